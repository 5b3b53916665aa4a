package realtime

import (
	"context"
	"log/slog"
	"time"
)

// TokenBucket is the per-session limiter policy.
// State (tokens, last refill) lives on the Session; the bucket only computes transitions.
type TokenBucket struct {
	Capacity int
	Rate     int
	Interval time.Duration
}

// NewTokenBucket constructs a TokenBucket with safe defaults when inputs are invalid.
func NewTokenBucket(capacity, rate int, interval time.Duration) TokenBucket {
	if capacity <= 0 {
		capacity = DefaultMaxTokens
	}
	if rate <= 0 {
		rate = DefaultRefillRate
	}
	if interval <= 0 {
		interval = DefaultRefillInterval
	}
	return TokenBucket{Capacity: capacity, Rate: rate, Interval: interval}
}

// Refill adds Rate tokens per whole Interval elapsed since lastRefill, capped at Capacity.
// lastRefill advances by the whole intervals consumed only, so a partial interval carries over.
func (b TokenBucket) Refill(tokens int, lastRefill, now time.Time) (int, time.Time) {
	if !now.After(lastRefill) {
		return b.clamp(tokens), lastRefill
	}

	intervals := int64(now.Sub(lastRefill) / b.Interval)
	if intervals <= 0 {
		return b.clamp(tokens), lastRefill
	}

	next := lastRefill.Add(time.Duration(intervals) * b.Interval)

	// Anything beyond Capacity/Rate intervals fills the bucket; avoid overflow on long gaps.
	if intervals >= int64(b.Capacity) {
		return b.Capacity, next
	}

	return b.clamp(tokens + int(intervals)*b.Rate), next
}

// Take consumes one token. It reports false (and leaves tokens untouched) when the bucket is empty.
func (b TokenBucket) Take(tokens int) (int, bool) {
	if tokens <= 0 {
		return 0, false
	}
	return tokens - 1, true
}

func (b TokenBucket) clamp(tokens int) int {
	switch {
	case tokens < 0:
		return 0
	case tokens > b.Capacity:
		return b.Capacity
	default:
		return tokens
	}
}

// Refiller periodically refills every session's bucket.
type Refiller struct {
	log      *slog.Logger
	registry *Registry
	every    time.Duration
}

// NewRefiller constructs a Refiller ticking every interval (defaults to the refill interval).
func NewRefiller(log *slog.Logger, registry *Registry, every time.Duration) *Refiller {
	if every <= 0 {
		every = DefaultRefillInterval
	}
	return &Refiller{log: log, registry: registry, every: every}
}

// Run ticks until ctx is cancelled.
func (r *Refiller) Run(ctx context.Context) error {
	t := time.NewTicker(r.every)
	defer t.Stop()

	r.log.Info("presence.refill.start", "every", r.every)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("presence.refill.stop")
			return nil
		case <-t.C:
			n := r.registry.Refill()
			r.log.Debug("presence.refill.tick", "sessions", n)
		}
	}
}
