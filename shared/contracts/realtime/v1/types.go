package v1

// ---- Payloads ----

// MessagePayload is the inbound payload of private-message, typing-status and notification.
// Content is a pointer so that an explicitly empty string (typing indicators) stays distinguishable
// from a missing field.
type MessagePayload struct {
	ReceiverID int64   `json:"receiverId" validate:"required,gt=0"`
	Content    *string `json:"content" validate:"required,max=5000"`
	Type       *string `json:"type,omitempty"`
	IsTyping   *bool   `json:"isTyping,omitempty"`
}

// DeliveryPayload is what the receiver gets for a relayed inbound event.
type DeliveryPayload struct {
	SenderID  int64  `json:"senderId"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// NotificationPayload is a server-originated notification (new-message, message-read, ...).
type NotificationPayload struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// UserStatusPayload is the presence broadcast.
type UserStatusPayload struct {
	UserID    int64 `json:"userId"`
	IsOnline  bool  `json:"isOnline"`
	Timestamp int64 `json:"timestamp"`
}

// ConnectionSecurePayload acknowledges a successful handshake.
type ConnectionSecurePayload struct {
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
