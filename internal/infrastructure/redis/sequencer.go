package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisSequencer hands out per-auction server timestamps shared by every
// dev server instance.
type RedisSequencer struct {
	client *redis.Client
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func seqKey(auctionID string) string {
	return fmt.Sprintf("auction:%s:seq", auctionID)
}

func (r *RedisSequencer) Next(ctx context.Context, auctionID string) (int64, error) {
	return r.client.Incr(ctx, seqKey(auctionID)).Result()
}

var seedScript = redis.NewScript(`
    local current = tonumber(redis.call('GET', KEYS[1]) or "0")
    if current < tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], ARGV[1])
        return tonumber(ARGV[1])
    end
    return current
`)

// Seed raises the sequence to at least last. Used when auctions are loaded
// from storage that already holds bids.
func (r *RedisSequencer) Seed(ctx context.Context, auctionID string, last int64) error {
	return seedScript.Run(ctx, r.client, []string{seqKey(auctionID)}, last).Err()
}

func (r *RedisSequencer) Forget(ctx context.Context, auctionID string) error {
	return r.client.Del(ctx, seqKey(auctionID)).Err()
}
