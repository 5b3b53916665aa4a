// Package events holds the durable queue contracts shared by producers and consumers.
package events

import "time"

// Queue names (wire-stable).
const (
	QueueNewMessage     = "new_message"
	QueueMessageDeleted = "message_deleted"
	QueueMessageRead    = "message_read"
)

// Queues lists every queue the worker consumes.
var Queues = []string{QueueNewMessage, QueueMessageDeleted, QueueMessageRead}

// Notification kinds pushed to live connections.
const (
	NotifyNewMessage     = "new-message"
	NotifyMessageDeleted = "message-deleted"
	NotifyMessageRead    = "message-read"
)

// NewMessage is published to QueueNewMessage.
type NewMessage struct {
	MessageID  int64     `json:"messageId"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageDeleted is published to QueueMessageDeleted.
type MessageDeleted struct {
	MessageID  int64     `json:"messageId"`
	DeletedBy  int64     `json:"deletedBy"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageRead is published to QueueMessageRead.
type MessageRead struct {
	MessageID int64     `json:"messageId"`
	ReadBy    int64     `json:"readBy"`
	SenderID  int64     `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}
