package mysql

import (
	"context"
	"database/sql"
	"time"

	"auction-realtime/internal/domain"
)

// MySQLBidRepository stores accepted bids. It also serves reconciling pulls
// directly from the database when history.source is mysql.
type MySQLBidRepository struct {
	db *sql.DB
}

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

func (r *MySQLBidRepository) SaveBid(ctx context.Context, bid *domain.BidEvent) error {
	query := `
        INSERT INTO bids (bid_id, auction_id, bidder_id, amount, current_price, server_timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		bid.BidID, bid.AuctionID, bid.BidderID, bid.Amount,
		bid.CurrentPrice, bid.ServerTimestamp, time.Now())
	return err
}

func (r *MySQLBidRepository) BidHistory(ctx context.Context, auctionID string) ([]domain.BidEvent, error) {
	query := `
        SELECT bid_id, auction_id, bidder_id, amount, current_price, server_timestamp
        FROM bids
        WHERE auction_id = ?
        ORDER BY server_timestamp ASC
    `

	rows, err := r.db.QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []domain.BidEvent
	for rows.Next() {
		var bid domain.BidEvent
		err := rows.Scan(&bid.BidID, &bid.AuctionID, &bid.BidderID,
			&bid.Amount, &bid.CurrentPrice, &bid.ServerTimestamp)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}

	return bids, rows.Err()
}
