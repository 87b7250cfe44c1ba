package devserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"auction-realtime/internal/domain"
)

// MemoryStore keeps auctions and bids in process. It satisfies both
// domain.AuctionRepository and domain.BidRepository.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*domain.Auction
	bids     map[string][]domain.BidEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*domain.Auction),
		bids:     make(map[string][]domain.BidEvent),
	}
}

func (s *MemoryStore) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s already exists", auction.ID)
	}
	stored := *auction
	s.auctions[auction.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	out := *a
	return &out, nil
}

// ListAuctions returns auctions ordered by creation time.
func (s *MemoryStore) ListAuctions(ctx context.Context) ([]*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateAuction(ctx context.Context, auction *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[auction.ID]; !ok {
		return fmt.Errorf("auction %s: %w", auction.ID, domain.ErrAuctionNotFound)
	}
	stored := *auction
	s.auctions[auction.ID] = &stored
	return nil
}

func (s *MemoryStore) DeleteAuction(ctx context.Context, auctionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[auctionID]; !ok {
		return fmt.Errorf("auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	delete(s.auctions, auctionID)
	delete(s.bids, auctionID)
	return nil
}

func (s *MemoryStore) SaveBid(ctx context.Context, bid *domain.BidEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], *bid)
	return nil
}

func (s *MemoryStore) BidHistory(ctx context.Context, auctionID string) ([]domain.BidEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	out := append([]domain.BidEvent(nil), s.bids[auctionID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ServerTimestamp < out[j].ServerTimestamp
	})
	return out, nil
}

// MemorySequencer is the single-instance domain.Sequencer.
type MemorySequencer struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{last: make(map[string]int64)}
}

func (s *MemorySequencer) Next(ctx context.Context, auctionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[auctionID]++
	return s.last[auctionID], nil
}

func (s *MemorySequencer) Seed(ctx context.Context, auctionID string, last int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last[auctionID] < last {
		s.last[auctionID] = last
	}
	return nil
}

func (s *MemorySequencer) Forget(ctx context.Context, auctionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, auctionID)
	return nil
}
