package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// frameEnvelope is the pub/sub payload: a wire frame plus the room it
// belongs to. An empty AuctionID means every connection.
type frameEnvelope struct {
	AuctionID string          `json:"auction_id,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// EventPublisherImpl publishes wire frames on a Redis channel. The watcher
// relays delivered events through it; dev server instances use it to fan
// frames out to each other.
type EventPublisherImpl struct {
	client  *redis.Client
	channel string
}

func NewEventPublisher(client *redis.Client, channel string) *EventPublisherImpl {
	return &EventPublisherImpl{client: client, channel: channel}
}

func (r *EventPublisherImpl) PublishFrame(ctx context.Context, auctionID string, frame []byte) error {
	payload, err := json.Marshal(frameEnvelope{AuctionID: auctionID, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
