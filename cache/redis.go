/*
Package cache holds the Redis adapters.

  Deduplicator  escrow.Deduplicator: provider webhook ids seen recently
  Lease         settlement.Lease: one sweeper across instances

Both are optimisations over state kept elsewhere. Losing Redis loses no
money: the ledger still refuses duplicate entries and every sweep step
is idempotent.
*/
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/settlement"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// =============================================================================
// WEBHOOK DEDUPLICATION
// =============================================================================

type Deduplicator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDeduplicator remembers event ids for ttl.
func NewDeduplicator(client *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Deduplicator{client: client, prefix: "shift-engine:webhook:", ttl: ttl}
}

func (d *Deduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Deduplicator) Mark(ctx context.Context, eventID string) error {
	return d.client.Set(ctx, d.prefix+eventID, 1, d.ttl).Err()
}

// =============================================================================
// SWEEP LEASE
// =============================================================================

// releaseScript deletes the key only while it still names the holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	client *redis.Client
	prefix string
}

func NewLease(client *redis.Client) *Lease {
	return &Lease{client: client, prefix: "shift-engine:lease:"}
}

func (l *Lease) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	// Re-entrant for the current holder: extend instead of failing.
	cur, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur != holder {
		return false, nil
	}
	return true, l.client.Expire(ctx, key, ttl).Err()
}

func (l *Lease) Release(ctx context.Context, name, holder string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + name}, holder).Err()
}

var (
	_ escrow.Deduplicator = (*Deduplicator)(nil)
	_ settlement.Lease    = (*Lease)(nil)
)
