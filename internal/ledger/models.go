package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Balance buckets
const (
	BucketPending   = "pending"
	BucketAvailable = "available"
)

// Payout states
const (
	PayoutStatusProcessing = "PROCESSING"
	PayoutStatusCompleted  = "COMPLETED"
	PayoutStatusFailed     = "FAILED"
)

// Ledger entry types
const (
	EntryCreditPending   = "CREDIT_PENDING"
	EntryCreditAvailable = "CREDIT_AVAILABLE"
	EntryRelease         = "RELEASE"
	EntryPayoutDebit     = "PAYOUT_DEBIT"
	EntryPayoutReversal  = "PAYOUT_REVERSAL"
)

// SellerBalance is the single authoritative row per seller. Only this
// package writes its monetary fields, and only through conditional updates.
type SellerBalance struct {
	gorm.Model          `json:"-"`
	SellerID            string    `gorm:"uniqueIndex" json:"seller_id"`
	AvailableCents      int64     `json:"available_cents"`
	PendingCents        int64     `json:"pending_cents"`
	TotalEarnedCents    int64     `json:"total_earned_cents"`
	TotalWithdrawnCents int64     `json:"total_withdrawn_cents"`
	PayoutDestination   string    `json:"payout_destination,omitempty"`
	Version             int       `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Payout records one accepted payout request. Amount is fixed at creation.
// Reversed tracks whether a failed payout's debit has been compensated yet.
type Payout struct {
	gorm.Model  `json:"-"`
	PayoutID    string    `gorm:"uniqueIndex" json:"payout_id"`
	SellerID    string    `gorm:"index" json:"seller_id"`
	AmountCents int64     `json:"amount_cents"`
	Destination string    `json:"destination"`
	TransferRef string    `json:"transfer_ref,omitempty"`
	Status      string    `gorm:"index" json:"status"`
	Reversed    bool      `json:"reversed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerEntry is the append-only audit trail. Reference is unique per
// business event, which is what makes credits idempotent: replaying a
// settlement can never apply the same credit twice.
type LedgerEntry struct {
	gorm.Model  `json:"-"`
	EntryID     string    `gorm:"uniqueIndex" json:"entry_id"`
	SellerID    string    `gorm:"index" json:"seller_id"`
	EntryType   string    `json:"entry_type"`
	AmountCents int64     `json:"amount_cents"`
	Reference   string    `gorm:"uniqueIndex" json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}
