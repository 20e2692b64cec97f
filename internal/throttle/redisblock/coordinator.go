// Package redisblock shares the EDGAR rate-limit block window between worker
// processes through a single Redis key. The key holds the block expiry in
// unix milliseconds and expires itself at that instant.
package redisblock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is used when no key is configured.
const DefaultKey = "orion:edgar:blocked_until"

// extendScript only moves the expiry forward.
var extendScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PXAT', ARGV[1])
return 1
`)

// Coordinator implements throttle.Coordinator on Redis.
type Coordinator struct {
	client redis.UniversalClient
	key    string
}

// New builds a Coordinator on an existing client.
func New(client redis.UniversalClient, key string) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Coordinator{client: client, key: key}, nil
}

// Block publishes a block expiry. Earlier expiries than the stored one are ignored.
func (c *Coordinator) Block(ctx context.Context, until time.Time) error {
	ms := until.UnixMilli()
	if err := extendScript.Run(ctx, c.client, []string{c.key}, ms).Err(); err != nil {
		return fmt.Errorf("extend shared block: %w", err)
	}
	return nil
}

// BlockedUntil returns the shared block expiry, zero when none is stored.
func (c *Coordinator) BlockedUntil(ctx context.Context) (time.Time, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read shared block: %w", err)
	}
	return parseExpiry(raw)
}

func parseExpiry(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse shared block %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
