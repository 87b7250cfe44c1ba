package domain

import (
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	// client -> server
	FrameJoinAuction  FrameType = "join_auction"
	FrameLeaveAuction FrameType = "leave_auction"

	// server -> client
	FrameJoinedAuction  FrameType = "joined_auction"
	FrameBidPlaced      FrameType = "bid_placed"
	FrameAuctionCreated FrameType = "auction_created"
	FrameAuctionUpdated FrameType = "auction_updated"
	FrameAuctionDeleted FrameType = "auction_deleted"
	FrameError          FrameType = "error"
)

// Frame is the JSON envelope used in both directions:
//
//	{"event": "bid_placed", "data": {...}}
type Frame struct {
	Event FrameType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RoomPayload struct {
	AuctionID string `json:"auction_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InboundFrame is a validated server frame. Only the fields relevant to Type
// are populated.
type InboundFrame struct {
	Type      FrameType
	AuctionID string
	Bid       *BidEvent
	Auction   *Auction
	Error     *ErrorPayload
}

// bidWire uses pointers so absent fields can be told apart from zero values.
type bidWire struct {
	AuctionID       *string  `json:"auction_id"`
	BidID           *string  `json:"bid_id"`
	Amount          *float64 `json:"amount"`
	BidderID        *string  `json:"bidder_id"`
	ServerTimestamp *int64   `json:"server_timestamp"`
	CurrentPrice    *float64 `json:"current_price"`
}

func EncodeFrame(event FrameType, data interface{}) ([]byte, error) {
	frame := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// RoomFrame encodes join_auction, leave_auction and joined_auction frames.
func RoomFrame(event FrameType, auctionID string) []byte {
	data, _ := EncodeFrame(event, RoomPayload{AuctionID: auctionID})
	return data
}

func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return frame, nil
}

// Room extracts the auction id of a room-scoped frame.
func (f Frame) Room() (string, error) {
	var payload RoomPayload
	if len(f.Data) == 0 {
		return "", fmt.Errorf("%w: %s without data", ErrMalformedFrame, f.Event)
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Event, err)
	}
	if payload.AuctionID == "" {
		return "", fmt.Errorf("%w: %s missing auction_id", ErrMalformedFrame, f.Event)
	}
	return payload.AuctionID, nil
}

// DecodeInbound parses and validates a server frame. Every failure wraps
// ErrMalformedFrame.
func DecodeInbound(raw []byte) (InboundFrame, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return InboundFrame{}, err
	}

	in := InboundFrame{Type: frame.Event}
	switch frame.Event {
	case FrameJoinedAuction, FrameAuctionDeleted:
		in.AuctionID, err = frame.Room()
		return in, err

	case FrameBidPlaced:
		bid, err := decodeBid(frame.Data)
		if err != nil {
			return InboundFrame{}, err
		}
		in.AuctionID = bid.AuctionID
		in.Bid = &bid
		return in, nil

	case FrameAuctionCreated, FrameAuctionUpdated:
		var auction Auction
		if err := json.Unmarshal(frame.Data, &auction); err != nil {
			return InboundFrame{}, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Event, err)
		}
		if auction.ID == "" {
			return InboundFrame{}, fmt.Errorf("%w: %s missing id", ErrMalformedFrame, frame.Event)
		}
		in.AuctionID = auction.ID
		in.Auction = &auction
		return in, nil

	case FrameError:
		var payload ErrorPayload
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &payload); err != nil {
				return InboundFrame{}, fmt.Errorf("%w: error: %v", ErrMalformedFrame, err)
			}
		}
		in.Error = &payload
		return in, nil
	}

	return InboundFrame{}, fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, frame.Event)
}

func decodeBid(data json.RawMessage) (BidEvent, error) {
	var w bidWire
	if len(data) == 0 {
		return BidEvent{}, fmt.Errorf("%w: bid_placed without data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return BidEvent{}, fmt.Errorf("%w: bid_placed: %v", ErrMalformedFrame, err)
	}

	switch {
	case w.AuctionID == nil || *w.AuctionID == "":
		return BidEvent{}, fmt.Errorf("%w: bid_placed missing auction_id", ErrMalformedFrame)
	case w.BidID == nil || *w.BidID == "":
		return BidEvent{}, fmt.Errorf("%w: bid_placed missing bid_id", ErrMalformedFrame)
	case w.Amount == nil || *w.Amount <= 0:
		return BidEvent{}, fmt.Errorf("%w: bid_placed needs a positive amount", ErrMalformedFrame)
	case w.BidderID == nil || *w.BidderID == "":
		return BidEvent{}, fmt.Errorf("%w: bid_placed missing bidder_id", ErrMalformedFrame)
	case w.ServerTimestamp == nil || *w.ServerTimestamp <= 0:
		return BidEvent{}, fmt.Errorf("%w: bid_placed missing server_timestamp", ErrMalformedFrame)
	}

	bid := BidEvent{
		AuctionID:       *w.AuctionID,
		BidID:           *w.BidID,
		Amount:          *w.Amount,
		BidderID:        *w.BidderID,
		ServerTimestamp: *w.ServerTimestamp,
		CurrentPrice:    *w.Amount,
	}
	if w.CurrentPrice != nil {
		bid.CurrentPrice = *w.CurrentPrice
	}
	return bid, nil
}
