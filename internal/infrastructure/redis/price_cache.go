package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"auction-realtime/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisPriceCache keeps the latest known price per auction. Writes carrying
// an older server timestamp than the stored one are ignored, so replays and
// late corrections cannot move the price backwards.
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPriceCache(client *redis.Client, ttl time.Duration) *RedisPriceCache {
	return &RedisPriceCache{client: client, ttl: ttl}
}

var setPriceScript = redis.NewScript(`
    local stored = redis.call('HGET', KEYS[1], 'server_timestamp')
    if stored ~= false and tonumber(stored) > tonumber(ARGV[2]) then
        return 0
    end
    redis.call('HSET', KEYS[1],
        'current_price', ARGV[1],
        'server_timestamp', ARGV[2],
        'updated_at', ARGV[3])
    if tonumber(ARGV[4]) > 0 then
        redis.call('EXPIRE', KEYS[1], ARGV[4])
    end
    return 1
`)

func priceKey(auctionID string) string {
	return fmt.Sprintf("auction:%s:price", auctionID)
}

func (r *RedisPriceCache) SetPrice(ctx context.Context, price domain.AuctionPrice) error {
	updatedAt := price.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return setPriceScript.Run(ctx, r.client, []string{priceKey(price.AuctionID)},
		strconv.FormatFloat(price.CurrentPrice, 'f', -1, 64),
		price.ServerTimestamp,
		updatedAt.UnixMilli(),
		int(r.ttl.Seconds()),
	).Err()
}

// GetPrice returns nil without error when nothing is cached.
func (r *RedisPriceCache) GetPrice(ctx context.Context, auctionID string) (*domain.AuctionPrice, error) {
	result, err := r.client.HGetAll(ctx, priceKey(auctionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	price := &domain.AuctionPrice{AuctionID: auctionID}
	if price.CurrentPrice, err = strconv.ParseFloat(result["current_price"], 64); err != nil {
		return nil, fmt.Errorf("parse current_price: %w", err)
	}
	if price.ServerTimestamp, err = strconv.ParseInt(result["server_timestamp"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse server_timestamp: %w", err)
	}
	if ms, err := strconv.ParseInt(result["updated_at"], 10, 64); err == nil {
		price.UpdatedAt = time.UnixMilli(ms)
	}
	return price, nil
}
