package events

import (
	"context"
	"log/slog"

	"relay/cmd/internal/broker"
)

// AuditHandlers returns one consumer handler per queue that logs each event.
// Malformed payloads are poison; a handler never fails otherwise.
func AuditHandlers(log *slog.Logger) map[string]broker.Handler {
	return map[string]broker.Handler{
		QueueNewMessage: broker.JSONHandler(func(_ context.Context, e NewMessage) error {
			log.Info("event.new_message",
				"message_id", e.MessageID,
				"sender_id", e.SenderID,
				"receiver_id", e.ReceiverID,
				"content_len", len(e.Content),
				"ts", e.Timestamp,
			)
			return nil
		}),
		QueueMessageDeleted: broker.JSONHandler(func(_ context.Context, e MessageDeleted) error {
			log.Info("event.message_deleted",
				"message_id", e.MessageID,
				"deleted_by", e.DeletedBy,
				"sender_id", e.SenderID,
				"receiver_id", e.ReceiverID,
				"ts", e.Timestamp,
			)
			return nil
		}),
		QueueMessageRead: broker.JSONHandler(func(_ context.Context, e MessageRead) error {
			log.Info("event.message_read",
				"message_id", e.MessageID,
				"read_by", e.ReadBy,
				"sender_id", e.SenderID,
				"ts", e.Timestamp,
			)
			return nil
		}),
	}
}
