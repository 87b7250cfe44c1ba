// Package httpapi is the request/response side of the auction service. The
// realtime core only uses BidHistory, for reconciling pulls.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type apiError struct {
	Error string `json:"error"`
}

type PlaceBidRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

func (c *Client) ListAuctions(ctx context.Context) ([]domain.Auction, error) {
	var auctions []domain.Auction
	if err := c.do(ctx, http.MethodGet, "/auctions", nil, &auctions); err != nil {
		return nil, err
	}
	return auctions, nil
}

func (c *Client) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	var auction domain.Auction
	if err := c.do(ctx, http.MethodGet, "/auctions/"+url.PathEscape(auctionID), nil, &auction); err != nil {
		return nil, err
	}
	return &auction, nil
}

// BidHistory returns the accepted bids of an auction ordered by server
// timestamp.
func (c *Client) BidHistory(ctx context.Context, auctionID string) ([]domain.BidEvent, error) {
	var bids []domain.BidEvent
	if err := c.do(ctx, http.MethodGet, "/auctions/"+url.PathEscape(auctionID)+"/bids", nil, &bids); err != nil {
		return nil, err
	}
	for i := range bids {
		if bids[i].AuctionID == "" {
			bids[i].AuctionID = auctionID
		}
	}
	c.log.Debug("Fetched bid history", "auction_id", auctionID, "bids", len(bids))
	return bids, nil
}

func (c *Client) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*domain.BidEvent, error) {
	var bid domain.BidEvent
	body := PlaceBidRequest{BidderID: bidderID, Amount: amount}
	if err := c.do(ctx, http.MethodPost, "/auctions/"+url.PathEscape(auctionID)+"/bid", body, &bid); err != nil {
		return nil, err
	}
	return &bid, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var payload apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", method, path, domain.ErrAuctionNotFound, msg)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s %s: %w: %s", method, path, domain.ErrBidRejected, msg)
	}
	return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, msg)
}
