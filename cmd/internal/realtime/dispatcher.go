package realtime

import (
	"log/slog"
	"time"

	"relay/cmd/security/token"
	v1 "relay/shared/contracts/realtime/v1"
)

// Dispatcher pushes events to the live sockets of registered users.
// It never waits for a recipient: users without a session are skipped and full queues drop.
// A successful push counts as activity for the receiver.
type Dispatcher struct {
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	signer   token.Signer
	now      func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *slog.Logger, registry *Registry, hub *Hub, signer token.Signer) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:      log,
		registry: registry,
		hub:      hub,
		signer:   signer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IsOnline reports whether userID currently has a non-idle session.
func (d *Dispatcher) IsOnline(userID int64) bool {
	return d.registry.IsOnline(userID)
}

// Relay forwards a client event from senderID to the receiver named in p, signed.
// It records activity for the sender and reports whether at least one receiver socket accepted it.
func (d *Dispatcher) Relay(eventType string, senderID int64, p v1.MessagePayload) bool {
	d.registry.Touch(senderID)

	if _, ok := d.registry.Lookup(p.ReceiverID); !ok {
		d.log.Debug("dispatch.relay.offline", "type", eventType, "sender_id", senderID, "receiver_id", p.ReceiverID)
		return false
	}

	content := ""
	if p.Content != nil {
		content = *p.Content
	}
	kind := ""
	if p.Type != nil {
		kind = *p.Type
	}

	now := d.now()
	env, err := newEnvelope(eventType, v1.DeliveryPayload{
		SenderID:  senderID,
		Content:   content,
		Type:      kind,
		IsTyping:  p.IsTyping,
		Timestamp: now.UnixMilli(),
		Signature: d.signer.Sign(senderID, p.ReceiverID, content),
	}, now)
	if err != nil {
		d.log.Error("dispatch.relay.encode.fail", "type", eventType, "err", err)
		return false
	}

	n := d.hub.SendUser(p.ReceiverID, env)
	if n == 0 {
		d.log.Warn("dispatch.relay.undelivered", "type", eventType, "sender_id", senderID, "receiver_id", p.ReceiverID)
		return false
	}
	d.registry.Touch(p.ReceiverID)
	return true
}

// Notify pushes a server notification of the given kind to userID when a session exists.
// Callers that want the idle-aware view check IsOnline first.
func (d *Dispatcher) Notify(userID int64, kind string, data any) bool {
	if _, ok := d.registry.Lookup(userID); !ok {
		return false
	}

	now := d.now()
	env, err := newEnvelope(v1.TypeNotification, v1.NotificationPayload{
		Type:      kind,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}, now)
	if err != nil {
		d.log.Error("dispatch.notify.encode.fail", "kind", kind, "err", err)
		return false
	}

	n := d.hub.SendUser(userID, env)
	d.log.Debug("dispatch.notify", "user_id", userID, "kind", kind, "sockets", n)
	if n == 0 {
		return false
	}
	d.registry.Touch(userID)
	return true
}
