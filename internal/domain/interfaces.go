package domain

import (
	"context"
	"time"
)

// RawFrame is one inbound transport message with its local receive time.
type RawFrame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Conn is one established transport session. A Conn is single use: after
// Close, or after it reports an error, a new one must be dialed.
type Conn interface {
	Send(data []byte) error
	Messages() <-chan RawFrame
	Errors() <-chan error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// BidHistorySource serves reconciling pulls. Bids are returned ordered by
// server timestamp.
type BidHistorySource interface {
	BidHistory(ctx context.Context, auctionID string) ([]BidEvent, error)
}

// AuctionAPI is the request/response collaborator.
type AuctionAPI interface {
	BidHistorySource
	ListAuctions(ctx context.Context) ([]Auction, error)
	GetAuction(ctx context.Context, auctionID string) (*Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*BidEvent, error)
}

// Publisher is the emitting side of the local event bus.
type Publisher interface {
	Emit(kind EventKind, payload interface{})
}

// FramePublisher relays frames to an external broker.
type FramePublisher interface {
	PublishFrame(ctx context.Context, auctionID string, frame []byte) error
}

type FrameHandler func(auctionID string, frame []byte) error

type FrameSubscriber interface {
	Subscribe(ctx context.Context, handler FrameHandler) error
}

type AuctionPrice struct {
	AuctionID       string    `json:"auction_id"`
	CurrentPrice    float64   `json:"current_price"`
	ServerTimestamp int64     `json:"server_timestamp"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type PriceCache interface {
	SetPrice(ctx context.Context, price AuctionPrice) error
	GetPrice(ctx context.Context, auctionID string) (*AuctionPrice, error)
}

// Repository interfaces used by the dev server.
type AuctionRepository interface {
	CreateAuction(ctx context.Context, auction *Auction) error
	GetAuction(ctx context.Context, auctionID string) (*Auction, error)
	ListAuctions(ctx context.Context) ([]*Auction, error)
	UpdateAuction(ctx context.Context, auction *Auction) error
	DeleteAuction(ctx context.Context, auctionID string) error
}

type BidRepository interface {
	SaveBid(ctx context.Context, bid *BidEvent) error
	BidHistory(ctx context.Context, auctionID string) ([]BidEvent, error)
}

// Sequencer hands out monotonic per-auction server timestamps.
type Sequencer interface {
	Next(ctx context.Context, auctionID string) (int64, error)
}

type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
