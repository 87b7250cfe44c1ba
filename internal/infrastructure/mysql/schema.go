package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auctions (
        id             VARCHAR(64)    NOT NULL PRIMARY KEY,
        title          VARCHAR(255)   NOT NULL DEFAULT '',
        status         TINYINT        NOT NULL,
        starting_price DECIMAL(18, 2) NOT NULL,
        current_price  DECIMAL(18, 2) NOT NULL,
        last_timestamp BIGINT         NOT NULL DEFAULT 0,
        start_time     DATETIME(3)    NOT NULL,
        end_time       DATETIME(3)    NOT NULL,
        created_at     DATETIME(3)    NOT NULL,
        updated_at     DATETIME(3)    NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS bids (
        bid_id           VARCHAR(64)    NOT NULL PRIMARY KEY,
        auction_id       VARCHAR(64)    NOT NULL,
        bidder_id        VARCHAR(64)    NOT NULL,
        amount           DECIMAL(18, 2) NOT NULL,
        current_price    DECIMAL(18, 2) NOT NULL,
        server_timestamp BIGINT         NOT NULL,
        created_at       DATETIME(3)    NOT NULL,
        UNIQUE KEY uniq_auction_ts (auction_id, server_timestamp)
    )`,
}

// Migrate creates the tables the dev server needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Open connects and verifies the database, applying the pool settings the
// binaries share.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}
