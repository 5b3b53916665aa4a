package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(clock *fakeClock, b Broadcaster) *Registry {
	return NewRegistry(discardLogger(), DefaultPolicy(), WithClock(clock.Now), WithBroadcaster(b))
}

func TestRegistry_AddAndRemoveSessionBroadcast(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	r := newTestRegistry(clock, b)

	s := r.AddSession(1, "c1")
	require.Equal(t, int64(1), s.UserID)
	require.Equal(t, "c1", s.ConnectionID)
	require.Equal(t, 1, s.ConnectionCount)
	require.Equal(t, DefaultMaxTokens, s.RateLimitTokens)
	require.True(t, r.IsOnline(1))

	_, ok := r.RemoveSession(1)
	require.True(t, ok)
	require.False(t, r.IsOnline(1))

	_, ok = r.RemoveSession(1)
	require.False(t, ok)

	st := b.statuses(t)
	require.Len(t, st, 2)
	require.True(t, st[0].IsOnline)
	require.False(t, st[1].IsOnline)
	require.Equal(t, int64(1), st[1].UserID)
	require.Equal(t, clock.Now().UnixMilli(), st[1].Timestamp)
}

func TestRegistry_ConnectionCap(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)

	for i := 0; i < DefaultMaxConnectionsPerUser; i++ {
		_, err := r.AddConnection(5, fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
	}

	_, err := r.AddConnection(5, "c-extra", "")
	require.ErrorIs(t, err, ErrCapacity)

	s, _ := r.Lookup(5)
	require.Equal(t, DefaultMaxConnectionsPerUser, s.ConnectionCount)
	require.Equal(t, "c4", s.ConnectionID)
}

func TestRegistry_ConnectionCapUnderConcurrency(t *testing.T) {
	r := NewRegistry(discardLogger(), DefaultPolicy())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.AddConnection(9, fmt.Sprintf("c%d", i), "")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrCapacity) {
				rejected++
			} else {
				accepted++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, DefaultMaxConnectionsPerUser, accepted)
	require.Equal(t, 20-DefaultMaxConnectionsPerUser, rejected)
}

func TestRegistry_RemoveConnectionDestroysOnLast(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	r := newTestRegistry(clock, b)

	_, err := r.AddConnection(3, "a", "hash-a")
	require.NoError(t, err)
	_, err = r.AddConnection(3, "b", "hash-b")
	require.NoError(t, err)

	require.False(t, r.RemoveConnection(3, "b"))
	s, ok := r.Lookup(3)
	require.True(t, ok)
	require.Equal(t, 1, s.ConnectionCount)
	require.Equal(t, "a", s.ConnectionID)

	_, ok = r.PresumedUser("hash-b")
	require.True(t, ok, "credential index lives as long as the session")

	require.False(t, r.RemoveConnection(3, "unknown"))
	require.True(t, r.RemoveConnection(3, "a"))
	require.Equal(t, 0, r.Len())

	_, ok = r.PresumedUser("hash-a")
	require.False(t, ok)

	st := b.statuses(t)
	require.Len(t, st, 3)
	require.True(t, st[0].IsOnline)
	require.True(t, st[1].IsOnline)
	require.False(t, st[2].IsOnline)
}

func TestRegistry_IsOnlineHonoursInactiveTimeout(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.AddSession(1, "c1")

	clock.Advance(DefaultInactiveTimeout - time.Second)
	require.True(t, r.IsOnline(1))

	clock.Advance(time.Second)
	require.False(t, r.IsOnline(1))

	require.True(t, r.Touch(1))
	require.True(t, r.IsOnline(1))
	require.False(t, r.Touch(2))
}

func TestRegistry_SweepEvictsIdleOnce(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	r := newTestRegistry(clock, b)

	r.AddSession(1, "idle")
	r.AddSession(2, "busy")

	clock.Advance(DefaultInactiveTimeout)
	r.Touch(2)

	require.Equal(t, []Eviction{{UserID: 1, ConnectionIDs: []string{"idle"}}}, r.Sweep())
	require.Nil(t, r.Sweep())

	_, ok := r.Lookup(1)
	require.False(t, ok)
	_, ok = r.Lookup(2)
	require.True(t, ok)

	offline := 0
	for _, st := range b.statuses(t) {
		if st.UserID == 1 && !st.IsOnline {
			offline++
		}
	}
	require.Equal(t, 1, offline)
}

func TestRegistry_ReserveIsSilentUntilAnnounced(t *testing.T) {
	clock := newFakeClock()
	b := &recordingBroadcaster{}
	r := newTestRegistry(clock, b)

	s, err := r.Reserve(7, "pending", "hash-7")
	require.NoError(t, err)
	require.Equal(t, 1, s.ConnectionCount)
	require.Empty(t, b.statuses(t))

	// A slot released before it was announced leaves no trace on the wire.
	require.True(t, r.RemoveConnection(7, "pending"))
	require.Equal(t, 0, r.Len())
	require.Empty(t, b.statuses(t))

	_, err = r.Reserve(7, "c1", "")
	require.NoError(t, err)
	require.True(t, r.Announce(7))
	require.False(t, r.Announce(8))
	require.True(t, r.RemoveConnection(7, "c1"))

	st := b.statuses(t)
	require.Len(t, st, 2)
	require.True(t, st[0].IsOnline)
	require.False(t, st[1].IsOnline)
}

func TestRegistry_ReserveCountsTowardsCapacity(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)

	for i := 0; i < DefaultMaxConnectionsPerUser; i++ {
		_, err := r.Reserve(5, fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
	}
	_, err := r.AddConnection(5, "c-extra", "")
	require.ErrorIs(t, err, ErrCapacity)
}
