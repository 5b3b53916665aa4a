package messaging

import (
	"context"
	"time"
)

// MaxContentLength bounds the text of a stored message.
const MaxContentLength = 1000

// Message is a persisted direct message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewMessage is the input of Repository.Create.
type NewMessage struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	Now        time.Time
}

// Repository persists messages.
//
// List methods never return nil slices.
type Repository interface {
	Create(ctx context.Context, in NewMessage) (Message, error)
	// Get returns ErrNotFound when id does not exist.
	Get(ctx context.Context, id int64) (Message, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id int64) error
	// MarkRead returns ErrNotFound when id does not exist.
	MarkRead(ctx context.Context, id int64, now time.Time) error
	// Conversation returns the messages exchanged between userID and peerID, oldest first.
	Conversation(ctx context.Context, userID, peerID int64) ([]Message, error)
	// Conversations returns every message userID sent or received, newest first.
	Conversations(ctx context.Context, userID int64) ([]Message, error)
	// Unread returns the unread messages addressed to userID, newest first.
	Unread(ctx context.Context, userID int64) ([]Message, error)
}

func validateNewMessage(in NewMessage) error {
	if in.SenderID <= 0 || in.ReceiverID <= 0 || in.Content == "" {
		return ErrInvalidInput
	}
	return nil
}
