package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RevocationCache holds credential hashes rejected by the identity service.
type RevocationCache interface {
	Block(ctx context.Context, tokenHash string) error
	IsBlocked(ctx context.Context, tokenHash string) (bool, error)
}

// BlockedEntry is one revoked credential.
type BlockedEntry struct {
	TokenHash string
	BlockedAt time.Time
}

// MemoryRevocationCache is the in-process RevocationCache.
// Entries expire after the retention window; expired entries are ignored on read and purged by Sweep.
type MemoryRevocationCache struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryRevocationCache constructs a cache with the given retention (default 24h).
func NewMemoryRevocationCache(retention time.Duration, now func() time.Time) *MemoryRevocationCache {
	if retention <= 0 {
		retention = DefaultBlockRetention
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryRevocationCache{
		retention: retention,
		now:       now,
		entries:   make(map[string]time.Time),
	}
}

// Block records tokenHash as revoked from now on.
func (c *MemoryRevocationCache) Block(_ context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}

	c.mu.Lock()
	c.entries[tokenHash] = c.now()
	c.mu.Unlock()
	return nil
}

// IsBlocked reports whether tokenHash is revoked and still within retention.
func (c *MemoryRevocationCache) IsBlocked(_ context.Context, tokenHash string) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.entries[tokenHash]
	if !ok {
		return false, nil
	}
	if now.Sub(at) >= c.retention {
		delete(c.entries, tokenHash)
		return false, nil
	}
	return true, nil
}

// Entry returns the entry for tokenHash if it is still retained.
func (c *MemoryRevocationCache) Entry(tokenHash string) (BlockedEntry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.entries[tokenHash]
	if !ok || now.Sub(at) >= c.retention {
		return BlockedEntry{}, false
	}
	return BlockedEntry{TokenHash: tokenHash, BlockedAt: at}, true
}

// Sweep purges expired entries and returns how many were removed.
func (c *MemoryRevocationCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for h, at := range c.entries {
		if now.Sub(at) >= c.retention {
			delete(c.entries, h)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryRevocationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps every interval until ctx is cancelled.
func (c *MemoryRevocationCache) Run(ctx context.Context, log *slog.Logger, every time.Duration) error {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				log.Info("revocation.sweep", "purged", n)
			}
		}
	}
}
