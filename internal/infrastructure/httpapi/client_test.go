package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/api/v1/", time.Second, logger.NewNop())
}

func TestClient_BidHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/auctions/A1/bids" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"bid_id":"b1","amount":100,"bidder_id":"u1","server_timestamp":1,"current_price":100},
			{"auction_id":"A1","bid_id":"b2","amount":110,"bidder_id":"u2","server_timestamp":2,"current_price":110}
		]`))
	})

	bids, err := c.BidHistory(context.Background(), "A1")
	if err != nil {
		t.Fatalf("BidHistory: %v", err)
	}
	if len(bids) != 2 || bids[1].CurrentPrice != 110 {
		t.Fatalf("bids = %+v", bids)
	}
	if bids[0].AuctionID != "A1" {
		t.Errorf("auction id not filled in: %+v", bids[0])
	}
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"auction not found"}`))
	})

	_, err := c.GetAuction(context.Background(), "missing")
	if !errors.Is(err, domain.ErrAuctionNotFound) {
		t.Errorf("GetAuction = %v, want ErrAuctionNotFound", err)
	}
}

func TestClient_PlaceBid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req PlaceBidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Amount < 105 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"minimum increment is 5"}`))
			return
		}
		json.NewEncoder(w).Encode(domain.BidEvent{
			AuctionID: "A1", BidID: "b9", Amount: req.Amount, BidderID: req.BidderID, ServerTimestamp: 9, CurrentPrice: req.Amount,
		})
	})

	bid, err := c.PlaceBid(context.Background(), "A1", "u1", 120)
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if bid.BidID != "b9" || bid.ServerTimestamp != 9 {
		t.Errorf("bid = %+v", bid)
	}

	if _, err := c.PlaceBid(context.Background(), "A1", "u1", 101); !errors.Is(err, domain.ErrBidRejected) {
		t.Errorf("low bid = %v, want ErrBidRejected", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.BidHistory(ctx, "A1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("BidHistory = %v, want deadline exceeded", err)
	}
}

func TestClient_ListAuctions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"A1","status":"active","current_price":10},{"id":"A2","status":"pending"}]`))
	})

	auctions, err := c.ListAuctions(context.Background())
	if err != nil {
		t.Fatalf("ListAuctions: %v", err)
	}
	if len(auctions) != 2 || auctions[0].Status != domain.AuctionActive {
		t.Errorf("auctions = %+v", auctions)
	}
}
