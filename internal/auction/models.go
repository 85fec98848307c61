package auction

import (
	"time"

	"gorm.io/gorm"
)

// Auction states, strictly forward-only
const (
	StatusOpen    = "OPEN"
	StatusClosed  = "CLOSED"
	StatusSettled = "SETTLED"
)

// Auction owns one contended value: the current high bid. While OPEN the
// bid only increases, and every mutation is a conditional update on the
// previously committed value.
type Auction struct {
	gorm.Model       `json:"-"`
	AuctionID        string    `gorm:"uniqueIndex" json:"auction_id"`
	ProductID        string    `gorm:"index" json:"product_id"`
	ShowID           string    `gorm:"index" json:"show_id"`
	SellerID         string    `json:"seller_id"`
	StartingBidCents int64     `json:"starting_bid_cents"`
	CurrentBidCents  int64     `json:"current_bid_cents"`
	HighestBidderID  *string   `json:"highest_bidder,omitempty"`
	ClosesAt         time.Time `json:"closes_at"`
	Status           string    `gorm:"index" json:"status"`
	Version          int       `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Bid is the append-only audit log. Exactly one row exists per accepted
// update to the auction's current bid; rows are never mutated or deleted.
type Bid struct {
	gorm.Model  `json:"-"`
	BidID       string    `gorm:"uniqueIndex" json:"bid_id"`
	AuctionID   string    `gorm:"index" json:"auction_id"`
	BidderID    string    `json:"bidder_id"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// BidResponse is returned for accepted bids
type BidResponse struct {
	BidID           string    `json:"bid_id"`
	AuctionID       string    `json:"auction_id"`
	NewHighCents    int64     `json:"new_high_cents"`
	HighestBidderID string    `json:"highest_bidder"`
	Timestamp       time.Time `json:"timestamp"`
}
