package migrations

import (
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the ledger tables and required indexes
func AddLedgerIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.SellerBalance{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(&ledger.Payout{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(&ledger.LedgerEntry{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Per-seller audit trail reads
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_seller
		 ON ledger_entries(seller_id, created_at)`,

		// Reversal processor scans for failed, unreversed payouts
		`CREATE INDEX IF NOT EXISTS idx_payouts_failed_unreversed
		 ON payouts(status, reversed)`,

		// Payout history listing per seller
		`CREATE INDEX IF NOT EXISTS idx_payouts_seller_created
		 ON payouts(seller_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
