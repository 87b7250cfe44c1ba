package domain

import (
	"fmt"
	"time"
)

type Auction struct {
	ID            string        `json:"id"`
	Title         string        `json:"title,omitempty"`
	Status        AuctionStatus `json:"status"`
	StartingPrice float64       `json:"starting_price"`
	CurrentPrice  float64       `json:"current_price"`
	LastTimestamp int64         `json:"last_timestamp"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type AuctionStatus int

const (
	AuctionPending AuctionStatus = iota
	AuctionActive
	AuctionEnded
	AuctionCancelled
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionPending:
		return "pending"
	case AuctionActive:
		return "active"
	case AuctionEnded:
		return "ended"
	case AuctionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s AuctionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AuctionStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = AuctionPending
	case "active":
		*s = AuctionActive
	case "ended":
		*s = AuctionEnded
	case "cancelled":
		*s = AuctionCancelled
	default:
		return fmt.Errorf("unknown auction status %q", text)
	}
	return nil
}

// BidEvent is an accepted bid as pushed by the server or returned by the bid
// history endpoint. Values are never mutated after decoding; the reconciler
// copies before setting the delivery markers.
type BidEvent struct {
	AuctionID       string  `json:"auction_id"`
	BidID           string  `json:"bid_id"`
	Amount          float64 `json:"amount"`
	BidderID        string  `json:"bidder_id"`
	ServerTimestamp int64   `json:"server_timestamp"`
	CurrentPrice    float64 `json:"current_price"`

	// Recovered is set on bids that reached the client through a reconciling
	// pull instead of the push stream.
	Recovered bool `json:"recovered,omitempty"`
	// PossiblyGapped is set when the event was accepted after a failed
	// reconciliation, so earlier bids may be missing.
	PossiblyGapped bool `json:"possibly_gapped,omitempty"`
}

type UpdateReason string

const (
	UpdateFromServer         UpdateReason = "server"
	UpdateFromReconciliation UpdateReason = "reconciliation"
)

// AuctionUpdate is the payload of EventAuctionUpdated.
type AuctionUpdate struct {
	AuctionID       string        `json:"auction_id"`
	Status          AuctionStatus `json:"status"`
	CurrentPrice    float64       `json:"current_price"`
	ServerTimestamp int64         `json:"server_timestamp"`
	Reason          UpdateReason  `json:"reason"`
}

// AuctionDeleted is the payload of EventAuctionDeleted.
type AuctionDeleted struct {
	AuctionID string `json:"auction_id"`
}

// ConnectionState is owned by the connection supervisor.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is the payload of EventConnectionStateChanged.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error // Cause of the transition, if any
	At   time.Time
}

// Resumed reports whether the transition ends a reconnect cycle.
func (c StateChange) Resumed() bool {
	return c.From == StateReconnecting && c.To == StateConnected
}

type EventKind string

const (
	EventAuctionCreated         EventKind = "auctionCreated"
	EventAuctionUpdated         EventKind = "auctionUpdated"
	EventAuctionDeleted         EventKind = "auctionDeleted"
	EventBidPlaced              EventKind = "bidPlaced"
	EventConnectionStateChanged EventKind = "connectionStateChanged"
)

// EventKinds is the closed set of kinds the local event bus accepts.
var EventKinds = []EventKind{
	EventAuctionCreated,
	EventAuctionUpdated,
	EventAuctionDeleted,
	EventBidPlaced,
	EventConnectionStateChanged,
}

func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is what bus handlers receive. Payload types by kind:
//
//	auctionCreated         *Auction
//	auctionUpdated         AuctionUpdate
//	auctionDeleted         AuctionDeleted
//	bidPlaced              BidEvent
//	connectionStateChanged StateChange
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// BidValidationRules maps an amount band ("0-100", "100-500", "500+") to the
// minimum increment. Only the dev server enforces it.
type BidValidationRules struct {
	Rules map[string]float64 `json:"rules"`
}
