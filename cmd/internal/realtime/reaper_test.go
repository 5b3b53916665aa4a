package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaper_EvictsIdleSessionExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	reg := NewRegistry(discardLogger(), DefaultPolicy(), WithClock(clock.Now), WithBroadcaster(b))
	hub := NewHub(discardLogger(), nil)

	_, err := reg.AddConnection(1, "c1", "")
	require.NoError(t, err)
	c := NewClient(1, "c1", 4)
	hub.Register(c)

	r := NewReaper(discardLogger(), reg, hub, time.Minute, NewMetrics(nil))

	clock.Advance(DefaultInactiveTimeout - time.Second)
	require.Empty(t, r.Sweep())

	clock.Advance(time.Second)
	require.Equal(t, []int64{1}, r.Sweep())
	require.Empty(t, r.Sweep())

	select {
	case <-c.Done():
	default:
		t.Fatal("idle user socket should be closed")
	}

	// The gateway drops the connection afterwards; no second offline event.
	require.False(t, reg.RemoveConnection(1, "c1"))

	var offline int
	for _, st := range b.statuses(t) {
		if !st.IsOnline {
			offline++
		}
	}
	require.Equal(t, 1, offline)
}

// reconnectingCloser lets the user reconnect between the registry sweep and the socket close.
type reconnectingCloser struct {
	t        *testing.T
	hub      *Hub
	reg      *Registry
	fresh    *Client
	reopened bool
}

func (c *reconnectingCloser) CloseConn(connID, reason string) bool {
	if !c.reopened {
		c.reopened = true
		_, err := c.reg.AddConnection(c.fresh.UserID, c.fresh.ConnectionID, "")
		require.NoError(c.t, err)
		c.hub.Register(c.fresh)
	}
	return c.hub.CloseConn(connID, reason)
}

func TestReaper_ReconnectDuringSweepKeepsNewSocket(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	reg := NewRegistry(discardLogger(), DefaultPolicy(), WithClock(clock.Now), WithBroadcaster(b))
	hub := NewHub(discardLogger(), nil)

	_, err := reg.AddConnection(1, "old", "")
	require.NoError(t, err)
	old := NewClient(1, "old", 4)
	hub.Register(old)

	closer := &reconnectingCloser{t: t, hub: hub, reg: reg, fresh: NewClient(1, "new", 4)}
	r := NewReaper(discardLogger(), reg, closer, time.Minute, nil)

	clock.Advance(DefaultInactiveTimeout)
	require.Equal(t, []int64{1}, r.Sweep())

	select {
	case <-old.Done():
	default:
		t.Fatal("evicted socket should be closed")
	}
	select {
	case <-closer.fresh.Done():
		t.Fatal("socket opened after the eviction must stay up")
	default:
	}

	// The old socket's teardown does not touch the new session.
	require.False(t, reg.RemoveConnection(1, "old"))
	s, ok := reg.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "new", s.ConnectionID)

	var offline int
	for _, st := range b.statuses(t) {
		if !st.IsOnline {
			offline++
		}
	}
	require.Equal(t, 1, offline)
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	reg := NewRegistry(discardLogger(), DefaultPolicy())
	r := NewReaper(discardLogger(), reg, nil, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
