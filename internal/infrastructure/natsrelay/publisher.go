// Package natsrelay relays delivered wire frames to a NATS subject tree so other
// processes can follow an auction without holding a push connection.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"auction-realtime/pkg/logger"

	"github.com/nats-io/nats.go"
)

type PublisherConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "auction.events",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// message is the body published on every subject.
type message struct {
	AuctionID string          `json:"auction_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Frame     json.RawMessage `json:"frame"`
}

type Publisher struct {
	nc     *nats.Conn
	config PublisherConfig
	log    logger.Logger
}

func NewPublisher(cfg PublisherConfig, log logger.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("auction-realtime"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Publisher{nc: nc, config: cfg, log: log}, nil
}

// Subject maps an auction to its subject. Frames without an auction go to
// "<prefix>.all".
func Subject(prefix, auctionID string) string {
	if auctionID == "" {
		return prefix + ".all"
	}
	// Tokens may not contain separators or wildcards.
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(auctionID)
	return prefix + "." + token
}

func encode(auctionID string, frame []byte, now time.Time) ([]byte, error) {
	return json.Marshal(message{AuctionID: auctionID, Timestamp: now.UTC(), Frame: frame})
}

func (p *Publisher) PublishFrame(ctx context.Context, auctionID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(auctionID, frame, time.Now())
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	subject := Subject(p.config.SubjectPrefix, auctionID)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.log.Debug("Published frame", "subject", subject)
	return nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
