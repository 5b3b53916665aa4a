package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client represents one connected websocket.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent senders.
// - done is used to signal goroutines to stop.
// - Close is idempotent; the first reason wins.
type Client struct {
	ConnectionID string
	UserID       int64
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID int64, connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connID,
		UserID:       userID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	c.CloseWithReason("")
}

// CloseWithReason is Close carrying a reason for the websocket close frame.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// CloseReason returns the reason passed to the first close. Valid once Done is closed.
func (c *Client) CloseReason() string {
	select {
	case <-c.Done():
		return c.reason
	default:
		return ""
	}
}

// enqueue is a non-blocking send; it reports false when the client is closing or its queue is full.
func (c *Client) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
