package messaging

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryRepository is a dev-only fallback when the database is not configured.
type InMemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]Message
}

// NewInMemoryRepository constructs an empty InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{msgs: make(map[int64]Message)}
}

// Close is a no-op.
func (r *InMemoryRepository) Close() error { return nil }

func (r *InMemoryRepository) Create(ctx context.Context, in NewMessage) (Message, error) {
	if err := validateNewMessage(in); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m := Message{
		ID:         r.nextID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.msgs[m.ID] = m
	return m, nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (r *InMemoryRepository) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.msgs, id)
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) MarkRead(ctx context.Context, id int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return ErrNotFound
	}
	m.IsRead = true
	m.UpdatedAt = now
	r.msgs[id] = m
	return nil
}

func (r *InMemoryRepository) Conversation(ctx context.Context, userID, peerID int64) ([]Message, error) {
	out, err := r.filter(ctx, func(m Message) bool {
		return (m.SenderID == userID && m.ReceiverID == peerID) ||
			(m.SenderID == peerID && m.ReceiverID == userID)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, oldestFirst)
	return out, nil
}

func (r *InMemoryRepository) Conversations(ctx context.Context, userID int64) ([]Message, error) {
	out, err := r.filter(ctx, func(m Message) bool {
		return m.SenderID == userID || m.ReceiverID == userID
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

func (r *InMemoryRepository) Unread(ctx context.Context, userID int64) ([]Message, error) {
	out, err := r.filter(ctx, func(m Message) bool {
		return m.ReceiverID == userID && !m.IsRead
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

func (r *InMemoryRepository) filter(ctx context.Context, keep func(Message) bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, 0, 16)
	for _, m := range r.msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Ties on CreatedAt fall back to the id so the order is total.
func oldestFirst(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func newestFirst(a, b Message) int { return oldestFirst(b, a) }
