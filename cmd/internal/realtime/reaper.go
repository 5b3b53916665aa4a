package realtime

import (
	"context"
	"log/slog"
	"time"
)

// ConnCloser closes a live socket by connection id.
type ConnCloser interface {
	CloseConn(connID, reason string) bool
}

// Reaper evicts idle sessions. It is the only path that removes sessions whose
// sockets were never closed by the client.
type Reaper struct {
	log      *slog.Logger
	registry *Registry
	closer   ConnCloser
	every    time.Duration
	metrics  *Metrics
}

// NewReaper constructs a Reaper sweeping every interval (default 5m).
// closer may be nil; evicted users then keep their sockets until the client closes them.
func NewReaper(log *slog.Logger, registry *Registry, closer ConnCloser, every time.Duration, metrics *Metrics) *Reaper {
	if every <= 0 {
		every = DefaultReaperInterval
	}
	return &Reaper{log: log, registry: registry, closer: closer, every: every, metrics: metrics}
}

// Sweep runs one eviction pass and returns the evicted user ids.
// Only the sockets the evicted session held are closed; a connection opened after the
// eviction belongs to a new session and stays up.
func (r *Reaper) Sweep() []int64 {
	evicted := r.registry.Sweep()
	ids := make([]int64, 0, len(evicted))
	for _, ev := range evicted {
		closed := 0
		if r.closer != nil {
			for _, connID := range ev.ConnectionIDs {
				if r.closer.CloseConn(connID, "idle timeout") {
					closed++
				}
			}
		}
		r.log.Info("presence.evict.idle", "user_id", ev.UserID, "sockets_closed", closed)
		ids = append(ids, ev.UserID)
	}
	r.metrics.addEvictions(len(evicted))
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.every)
	defer t.Stop()

	r.log.Info("presence.reaper.start", "every", r.every)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("presence.reaper.stop")
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}
