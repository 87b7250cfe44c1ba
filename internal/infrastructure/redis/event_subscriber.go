package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/go-redis/redis/v8"
)

type RedisEventSubscriber struct {
	client  *redis.Client
	channel string
	log     logger.Logger
	ready   chan struct{}
}

func NewRedisEventSubscriber(client *redis.Client, channel string, log logger.Logger) *RedisEventSubscriber {
	return &RedisEventSubscriber{
		client:  client,
		channel: channel,
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is confirmed by the server.
func (r *RedisEventSubscriber) Ready() <-chan struct{} {
	return r.ready
}

// Subscribe delivers every frame published on the channel until ctx ends.
func (r *RedisEventSubscriber) Subscribe(ctx context.Context, handler domain.FrameHandler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	ch := pubsub.Channel()

	r.log.Info("Subscribed to auction events", "channel", r.channel)

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := parseEnvelope(msg.Payload)
			if err != nil {
				r.log.Error("Failed to parse event", "payload", msg.Payload, "error", err)
				continue
			}

			if err := handler(env.AuctionID, env.Frame); err != nil {
				r.log.Error("Failed to handle event", "auction_id", env.AuctionID, "error", err)
			}

		case <-ctx.Done():
			r.log.Info("Event subscriber stopped")
			return ctx.Err()
		}
	}
}

func parseEnvelope(payload string) (frameEnvelope, error) {
	var env frameEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return frameEnvelope{}, err
	}
	if len(env.Frame) == 0 {
		return frameEnvelope{}, fmt.Errorf("envelope without frame")
	}
	return env, nil
}
