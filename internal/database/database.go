package database

import (
	"fmt"

	"github.com/matandaelis/liveshop-settlement/internal/auction"
	"github.com/matandaelis/liveshop-settlement/internal/checkout"
	"github.com/matandaelis/liveshop-settlement/internal/database/migrations"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "liveshop.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Product{},
		&auction.Auction{},
		&auction.Bid{},
		&checkout.Cart{},
		&checkout.CartItem{},
		&checkout.Order{},
		&checkout.OrderLine{},
		&checkout.IdempotencyRecord{},
		&events.OutboxMessage{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
