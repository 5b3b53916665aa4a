package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/cmd/internal/events"
)

type notification struct {
	UserID int64
	Kind   string
	Data   any
}

type fakeNotifier struct {
	mu     sync.Mutex
	online map[int64]bool
	sent   []notification
}

func newFakeNotifier(online ...int64) *fakeNotifier {
	n := &fakeNotifier{online: make(map[int64]bool)}
	for _, id := range online {
		n.online[id] = true
	}
	return n
}

func (n *fakeNotifier) IsOnline(userID int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online[userID]
}

func (n *fakeNotifier) Notify(userID int64, kind string, data any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{UserID: userID, Kind: kind, Data: data})
	return true
}

func (n *fakeNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type published struct {
	Queue   string
	Payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs []published
	ctxs []context.Context
}

func (p *fakePublisher) PublishToQueue(ctx context.Context, queue string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxs = append(p.ctxs, ctx)
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Queue: queue, Payload: payload})
	return nil
}

func (p *fakePublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(n Notifier, p Publisher) (*Service, *InMemoryRepository) {
	repo := NewInMemoryRepository()
	svc := NewService(discardLogger(), repo, n, p)
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func TestService_SendNotifiesOnlineReceiverAndPublishes(t *testing.T) {
	n := newFakeNotifier(2)
	p := &fakePublisher{}
	svc, _ := newTestService(n, p)

	msg, err := svc.Send(context.Background(), 1, 2, "hello")
	require.NoError(t, err)
	require.Equal(t, testNow, msg.CreatedAt)

	sent := n.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, int64(2), sent[0].UserID)
	require.Equal(t, events.NotifyNewMessage, sent[0].Kind)
	require.Equal(t, map[string]any{"message": msg, "senderId": int64(1)}, sent[0].Data)

	pub := p.published()
	require.Len(t, pub, 1)
	require.Equal(t, events.QueueNewMessage, pub[0].Queue)
	require.Equal(t, events.NewMessage{
		MessageID:  msg.ID,
		SenderID:   1,
		ReceiverID: 2,
		Content:    "hello",
		Timestamp:  testNow,
	}, pub[0].Payload)
}

func TestService_SendOfflineReceiverStillPublishes(t *testing.T) {
	n := newFakeNotifier()
	p := &fakePublisher{}
	svc, _ := newTestService(n, p)

	_, err := svc.Send(context.Background(), 1, 2, "hello")
	require.NoError(t, err)
	require.Empty(t, n.notifications())
	require.Len(t, p.published(), 1)
}

func TestService_PublishFailureKeepsTheWrite(t *testing.T) {
	p := &fakePublisher{err: errors.New("broker down")}
	svc, repo := newTestService(newFakeNotifier(), p)

	msg, err := svc.Send(context.Background(), 1, 2, "kept")
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "kept", stored.Content)
}

func TestService_PublishSurvivesCanceledRequest(t *testing.T) {
	p := &fakePublisher{}
	svc, repo := newTestService(nil, p)

	msg, err := repo.Create(context.Background(), NewMessage{SenderID: 1, ReceiverID: 2, Content: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	svc.publish(ctx, events.QueueMessageRead, msg.ID)
	cancel()

	require.Len(t, p.ctxs, 1)
	_, hasDeadline := p.ctxs[0].Deadline()
	require.True(t, hasDeadline)
	require.Len(t, p.published(), 1)
}

func TestService_SendValidation(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		sender   int64
		receiver int64
		content  string
	}{
		{"missing sender", 0, 2, "x"},
		{"missing receiver", 1, 0, "x"},
		{"blank content", 1, 2, "   "},
		{"too long", 1, 2, strings.Repeat("é", MaxContentLength+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, tc.sender, tc.receiver, tc.content)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := svc.Send(ctx, 1, 2, strings.Repeat("é", MaxContentLength))
	require.NoError(t, err)
}

func TestService_DeleteBySenderNotifiesReceiver(t *testing.T) {
	n := newFakeNotifier(1, 2)
	p := &fakePublisher{}
	svc, repo := newTestService(n, p)
	ctx := context.Background()

	msg, err := repo.Create(ctx, NewMessage{SenderID: 1, ReceiverID: 2, Content: "bye"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, msg.ID, 1))

	_, err = repo.Get(ctx, msg.ID)
	require.ErrorIs(t, err, ErrNotFound)

	sent := n.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, int64(2), sent[0].UserID)
	require.Equal(t, events.NotifyMessageDeleted, sent[0].Kind)

	pub := p.published()
	require.Len(t, pub, 1)
	require.Equal(t, events.QueueMessageDeleted, pub[0].Queue)
	require.Equal(t, events.MessageDeleted{
		MessageID:  msg.ID,
		DeletedBy:  1,
		SenderID:   1,
		ReceiverID: 2,
		Timestamp:  testNow,
	}, pub[0].Payload)
}

func TestService_DeleteByReceiverNotifiesSender(t *testing.T) {
	n := newFakeNotifier(1, 2)
	svc, repo := newTestService(n, nil)
	ctx := context.Background()

	msg, err := repo.Create(ctx, NewMessage{SenderID: 1, ReceiverID: 2, Content: "bye"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, msg.ID, 2))

	sent := n.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].UserID)
}

func TestService_DeleteRejectsStrangersAndMissing(t *testing.T) {
	n := newFakeNotifier(1, 2, 3)
	p := &fakePublisher{}
	svc, repo := newTestService(n, p)
	ctx := context.Background()

	msg, err := repo.Create(ctx, NewMessage{SenderID: 1, ReceiverID: 2, Content: "private"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, msg.ID, 3), ErrForbidden)
	require.ErrorIs(t, svc.Delete(ctx, 999, 1), ErrNotFound)

	_, err = repo.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.Empty(t, n.notifications())
	require.Empty(t, p.published())
}

func TestService_MarkReadOnlyByReceiver(t *testing.T) {
	n := newFakeNotifier(1)
	p := &fakePublisher{}
	svc, repo := newTestService(n, p)
	ctx := context.Background()

	msg, err := repo.Create(ctx, NewMessage{SenderID: 1, ReceiverID: 2, Content: "read me"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.MarkRead(ctx, msg.ID, 1), ErrForbidden)
	require.ErrorIs(t, svc.MarkRead(ctx, 999, 2), ErrNotFound)
	require.Empty(t, p.published())

	require.NoError(t, svc.MarkRead(ctx, msg.ID, 2))

	stored, err := repo.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, stored.IsRead)

	sent := n.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].UserID)
	require.Equal(t, events.NotifyMessageRead, sent[0].Kind)
	require.Equal(t, map[string]any{"messageId": msg.ID, "readBy": int64(2)}, sent[0].Data)

	pub := p.published()
	require.Len(t, pub, 1)
	require.Equal(t, events.MessageRead{MessageID: msg.ID, ReadBy: 2, SenderID: 1, Timestamp: testNow}, pub[0].Payload)
}

func TestService_Queries(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := context.Background()

	_, err := svc.Send(ctx, 1, 2, "a")
	require.NoError(t, err)
	_, err = svc.Send(ctx, 2, 1, "b")
	require.NoError(t, err)

	conv, err := svc.Conversation(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, conv, 2)

	_, err = svc.Conversation(ctx, 1, 0)
	require.ErrorIs(t, err, ErrInvalidInput)

	all, err := svc.Conversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)

	unread, err := svc.Unread(ctx, 1)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, "b", unread[0].Content)
}
