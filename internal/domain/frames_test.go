package domain

import (
	"errors"
	"testing"
)

func TestDecodeInbound_BidPlaced(t *testing.T) {
	raw := []byte(`{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b1","amount":100,"bidder_id":"u1","server_timestamp":1,"current_price":100}}`)

	in, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != FrameBidPlaced || in.AuctionID != "A1" {
		t.Fatalf("got type=%s auction=%s", in.Type, in.AuctionID)
	}
	if in.Bid == nil || in.Bid.BidID != "b1" || in.Bid.Amount != 100 || in.Bid.ServerTimestamp != 1 {
		t.Errorf("unexpected bid %+v", in.Bid)
	}
}

func TestDecodeInbound_CurrentPriceDefaultsToAmount(t *testing.T) {
	raw := []byte(`{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b1","amount":42.5,"bidder_id":"u1","server_timestamp":3}}`)

	in, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Bid.CurrentPrice != 42.5 {
		t.Errorf("CurrentPrice = %v, want 42.5", in.Bid.CurrentPrice)
	}
}

func TestDecodeInbound_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"no event", `{"data":{}}`},
		{"unknown event", `{"event":"mystery","data":{}}`},
		{"joined without data", `{"event":"joined_auction"}`},
		{"joined without id", `{"event":"joined_auction","data":{}}`},
		{"bid without data", `{"event":"bid_placed"}`},
		{"bid missing bid_id", `{"event":"bid_placed","data":{"auction_id":"A1","amount":1,"bidder_id":"u","server_timestamp":1}}`},
		{"bid missing auction", `{"event":"bid_placed","data":{"bid_id":"b","amount":1,"bidder_id":"u","server_timestamp":1}}`},
		{"bid zero amount", `{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b","amount":0,"bidder_id":"u","server_timestamp":1}}`},
		{"bid missing timestamp", `{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b","amount":1,"bidder_id":"u"}}`},
		{"bid missing bidder", `{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b","amount":1,"server_timestamp":1}}`},
		{"bid wrong type", `{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b","amount":"ten","bidder_id":"u","server_timestamp":1}}`},
		{"auction missing id", `{"event":"auction_updated","data":{"current_price":3}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecodeInbound_AuctionFrames(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"event":"auction_updated","data":{"id":"A1","status":"active","current_price":55}}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Auction == nil || in.Auction.Status != AuctionActive || in.AuctionID != "A1" {
		t.Errorf("unexpected auction %+v", in.Auction)
	}

	in, err = DecodeInbound([]byte(`{"event":"auction_deleted","data":{"auction_id":"A9"}}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.AuctionID != "A9" {
		t.Errorf("AuctionID = %q, want A9", in.AuctionID)
	}
}

func TestRoomFrameRoundTrip(t *testing.T) {
	frame, err := DecodeFrame(RoomFrame(FrameJoinAuction, "A1"))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Event != FrameJoinAuction {
		t.Errorf("Event = %q", frame.Event)
	}
	id, err := frame.Room()
	if err != nil || id != "A1" {
		t.Errorf("Room() = %q, %v", id, err)
	}
}

func TestJoinTimeoutIsTimeout(t *testing.T) {
	err := errors.Join(errors.New("A1"), ErrJoinTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Error("ErrJoinTimeout should match ErrTimeout")
	}
}

func TestEventKindValid(t *testing.T) {
	if !EventBidPlaced.Valid() {
		t.Error("bidPlaced should be valid")
	}
	if EventKind("bidRetracted").Valid() {
		t.Error("bidRetracted should not be valid")
	}
}

func TestAuctionStatusText(t *testing.T) {
	var s AuctionStatus
	if err := s.UnmarshalText([]byte("ended")); err != nil || s != AuctionEnded {
		t.Errorf("UnmarshalText(ended) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Error("expected error for unknown status")
	}
}
