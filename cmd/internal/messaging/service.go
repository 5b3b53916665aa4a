package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/events"
)

// DefaultPublishTimeout bounds one durable publish after the write committed.
const DefaultPublishTimeout = 5 * time.Second

// Notifier pushes server notifications to live connections.
type Notifier interface {
	IsOnline(userID int64) bool
	Notify(userID int64, kind string, data any) bool
}

// Publisher sends events to durable queues.
type Publisher interface {
	PublishToQueue(ctx context.Context, queue string, payload any) error
}

// Service implements the messaging use cases. Every mutating action is persisted first, then
// pushed to the online counterpart and published to its queue. Neither fan-out path can undo
// the write.
type Service struct {
	log       *slog.Logger
	repo      Repository
	notifier  Notifier
	publisher Publisher

	publishTimeout time.Duration
	now            func() time.Time
}

// NewService constructs a Service. notifier and publisher may be nil, which disables that path.
func NewService(log *slog.Logger, repo Repository, notifier Notifier, publisher Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:            log,
		repo:           repo,
		notifier:       notifier,
		publisher:      publisher,
		publishTimeout: DefaultPublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Send stores a message from senderID to receiverID.
func (s *Service) Send(ctx context.Context, senderID, receiverID int64, content string) (Message, error) {
	if senderID <= 0 || receiverID <= 0 {
		return Message{}, fmt.Errorf("%w: sender and receiver are required", ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxContentLength)
	}

	msg, err := s.repo.Create(ctx, NewMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Now:        s.now(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}

	s.notify(receiverID, events.NotifyNewMessage, map[string]any{
		"message":  msg,
		"senderId": senderID,
	})
	s.publish(ctx, events.QueueNewMessage, events.NewMessage{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Timestamp:  msg.CreatedAt,
	})
	return msg, nil
}

// Delete removes a message. Only its sender or receiver may delete it; the other party is notified.
func (s *Service) Delete(ctx context.Context, messageID, userID int64) error {
	msg, err := s.repo.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return ErrForbidden
	}
	if err := s.repo.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	for _, id := range []int64{msg.SenderID, msg.ReceiverID} {
		if id == userID {
			continue
		}
		s.notify(id, events.NotifyMessageDeleted, map[string]any{
			"messageId": messageID,
			"deletedBy": userID,
		})
	}
	s.publish(ctx, events.QueueMessageDeleted, events.MessageDeleted{
		MessageID:  messageID,
		DeletedBy:  userID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Timestamp:  s.now(),
	})
	return nil
}

// MarkRead flags a message as read. Only its receiver may do so; the sender is notified.
func (s *Service) MarkRead(ctx context.Context, messageID, userID int64) error {
	msg, err := s.repo.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ReceiverID != userID {
		return ErrForbidden
	}

	now := s.now()
	if err := s.repo.MarkRead(ctx, messageID, now); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}

	s.notify(msg.SenderID, events.NotifyMessageRead, map[string]any{
		"messageId": messageID,
		"readBy":    userID,
	})
	s.publish(ctx, events.QueueMessageRead, events.MessageRead{
		MessageID: messageID,
		ReadBy:    userID,
		SenderID:  msg.SenderID,
		Timestamp: now,
	})
	return nil
}

// Conversation returns the messages between userID and peerID, oldest first.
func (s *Service) Conversation(ctx context.Context, userID, peerID int64) ([]Message, error) {
	if peerID <= 0 {
		return nil, fmt.Errorf("%w: invalid peer id", ErrInvalidInput)
	}
	return s.repo.Conversation(ctx, userID, peerID)
}

// Conversations returns every message involving userID, newest first.
func (s *Service) Conversations(ctx context.Context, userID int64) ([]Message, error) {
	return s.repo.Conversations(ctx, userID)
}

// Unread returns the unread messages addressed to userID, newest first.
func (s *Service) Unread(ctx context.Context, userID int64) ([]Message, error) {
	return s.repo.Unread(ctx, userID)
}

func (s *Service) notify(userID int64, kind string, data any) {
	if s.notifier == nil || !s.notifier.IsOnline(userID) {
		return
	}
	s.notifier.Notify(userID, kind, data)
}

// publish outlives a canceled request: the write it reports is already committed.
func (s *Service) publish(ctx context.Context, queue string, payload any) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.publisher.PublishToQueue(ctx, queue, payload); err != nil {
		level := slog.LevelError
		if errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelWarn
		}
		s.log.Log(ctx, level, "messaging.publish.fail", "queue", queue, "err", err)
	}
}
