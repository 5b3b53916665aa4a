package realtime

import (
	"log/slog"
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Hub owns the live sockets of this process, indexed by connection id and by user.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Send and Broadcast.
// - Send and Broadcast never block (drop under backpressure).
// - Delivery is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[int64]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		conns:   make(map[string]*Client),
		byUser:  make(map[int64]map[string]*Client),
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	if c == nil || c.ConnectionID == "" {
		return
	}

	h.mu.Lock()
	h.conns[c.ConnectionID] = c
	set := h.byUser[c.UserID]
	if set == nil {
		set = make(map[string]*Client)
		h.byUser[c.UserID] = set
	}
	set[c.ConnectionID] = c
	h.mu.Unlock()

	h.log.Debug("hub.register", "user_id", c.UserID, "connection_id", c.ConnectionID)
}

// Unregister removes a client and signals shutdown for it.
func (h *Hub) Unregister(connID string) {
	if connID == "" {
		return
	}

	h.mu.Lock()
	c := h.conns[connID]
	if c != nil {
		delete(h.conns, connID)
		if set := h.byUser[c.UserID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
	}
	h.mu.Unlock()

	// Signal shutdown after removal so no sender holds a pointer to a dying client.
	if c != nil {
		c.Close()
		h.log.Debug("hub.unregister", "user_id", c.UserID, "connection_id", connID)
	}
}

// Send delivers env to one connection. It reports false when the connection is unknown,
// closing, or its queue is full.
func (h *Hub) Send(connID string, env v1.Envelope) bool {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()

	if c == nil {
		return false
	}
	if !c.enqueue(env) {
		h.metrics.drop()
		h.log.Warn("hub.send.drop", "connection_id", connID, "type", env.Type)
		return false
	}
	return true
}

// SendUser delivers env to every socket of userID and returns how many accepted it.
func (h *Hub) SendUser(userID int64, env v1.Envelope) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(env) {
			n++
		} else {
			h.metrics.drop()
		}
	}
	return n
}

// Broadcast fans env out to every live connection.
func (h *Hub) Broadcast(env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		if !c.enqueue(env) {
			h.metrics.drop()
		}
	}
}

// CloseConn closes one socket and reports whether it was registered.
func (h *Hub) CloseConn(connID, reason string) bool {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()

	if c == nil {
		return false
	}
	c.CloseWithReason(reason)
	return true
}

// CloseAll closes every socket (shutdown).
func (h *Hub) CloseAll(reason string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.CloseWithReason(reason)
	}
	return len(targets)
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
