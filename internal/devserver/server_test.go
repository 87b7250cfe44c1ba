package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"auction-realtime/internal/domain"
)

func TestServerREST(t *testing.T) {
	env := startDevServer(t)
	ctx := context.Background()
	h := NewServer(env.manager, env.hub, env.manager.log).Handler()

	body, _ := json.Marshal(CreateAuctionRequest{ID: "a1", Title: "Lamp", StartingPrice: 40})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auctions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}

	auctions, err := env.api.ListAuctions(ctx)
	if err != nil || len(auctions) != 1 || auctions[0].Title != "Lamp" {
		t.Fatalf("list = %+v, %v", auctions, err)
	}

	a, err := env.api.GetAuction(ctx, "a1")
	if err != nil || a.Status != domain.AuctionActive || a.StartingPrice != 40 {
		t.Fatalf("get = %+v, %v", a, err)
	}
	if _, err := env.api.GetAuction(ctx, "nope"); !errors.Is(err, domain.ErrAuctionNotFound) {
		t.Fatalf("unknown auction err = %v", err)
	}

	bid, err := env.api.PlaceBid(ctx, "a1", "alice", 40)
	if err != nil {
		t.Fatal(err)
	}
	history, err := env.api.BidHistory(ctx, "a1")
	if err != nil || len(history) != 1 || history[0].BidID != bid.BidID {
		t.Fatalf("history = %+v, %v", history, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/auctions/a1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := env.api.BidHistory(ctx, "a1"); !errors.Is(err, domain.ErrAuctionNotFound) {
		t.Fatalf("history after delete err = %v", err)
	}
}

func TestServerRejectsBadInput(t *testing.T) {
	env := startDevServer(t)
	h := NewServer(env.manager, env.hub, env.manager.log).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/v1/auctions", `{"starting_price":`, http.StatusBadRequest},
		{"negative price", http.MethodPost, "/api/v1/auctions", `{"starting_price":-5}`, http.StatusBadRequest},
		{"bid on unknown", http.MethodPost, "/api/v1/auctions/x/bid", `{"bidder_id":"a","amount":5}`, http.StatusNotFound},
		{"history of unknown", http.MethodGet, "/api/v1/auctions/x/bids", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	env := startDevServer(t)
	h := NewServer(env.manager, env.hub, env.manager.log).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
