package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "relay:revoked:"

// RedisRevocationCache shares revoked credential hashes between gateway processes.
// Retention is enforced by key TTL.
type RedisRevocationCache struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisRevocationCache constructs a Redis-backed cache.
func NewRedisRevocationCache(client redis.UniversalClient, prefix string, retention time.Duration) *RedisRevocationCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	if retention <= 0 {
		retention = DefaultBlockRetention
	}
	return &RedisRevocationCache{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Block stores tokenHash with the retention as TTL. The value is the block time (unix ms).
func (c *RedisRevocationCache) Block(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	at := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.client.Set(ctx, c.key(tokenHash), at, c.retention).Err(); err != nil {
		return fmt.Errorf("revocation block: %w", err)
	}
	return nil
}

// IsBlocked reports whether tokenHash has a live key.
func (c *RedisRevocationCache) IsBlocked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}

func (c *RedisRevocationCache) key(tokenHash string) string {
	return c.prefix + tokenHash
}
