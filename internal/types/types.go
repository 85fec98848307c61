package types

import (
	"time"

	"gorm.io/gorm"
)

// Product is the shared catalog row the settlement core touches. Catalog
// browsing lives outside the core; this model exists because stock is one of
// the three contended resources and is decremented only by the checkout
// engine's conditional updates.
type Product struct {
	gorm.Model `json:"-"`
	ProductID  string    `gorm:"uniqueIndex" json:"product_id"`
	SellerID   string    `gorm:"index" json:"seller_id"`
	ShowID     string    `gorm:"index" json:"show_id"`
	Title      string    `json:"title"`
	PriceCents int64     `json:"price_cents"`
	Stock      int       `json:"stock"`
	Version    int       `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BalanceResponse is the ledger engine's view of a seller balance
type BalanceResponse struct {
	SellerID            string `json:"seller_id"`
	AvailableCents      int64  `json:"available_cents"`
	PendingCents        int64  `json:"pending_cents"`
	TotalEarnedCents    int64  `json:"total_earned_cents"`
	TotalWithdrawnCents int64  `json:"total_withdrawn_cents"`
}

// PayoutResponse is returned for accepted payout requests
type PayoutResponse struct {
	PayoutID    string    `json:"payout_id"`
	SellerID    string    `json:"seller_id"`
	AmountCents int64     `json:"amount_cents"`
	TransferRef string    `json:"transfer_ref,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
