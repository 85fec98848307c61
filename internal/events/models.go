package events

import (
	"time"

	"gorm.io/gorm"
)

// Outbox message states
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Durable event types drained from the outbox
const (
	EventAuctionSettled  = "auction_settled"
	EventOrderSettled    = "order_settled"
	EventPayoutCompleted = "payout_completed"
	EventPayoutFailed    = "payout_failed"
)

// OutboxMessage is written inside the same transaction as the state change
// it describes, then published asynchronously. Delivery failure never rolls
// back settlement state.
type OutboxMessage struct {
	gorm.Model
	MessageKey string    `gorm:"index" json:"message_key"`
	EventType  string    `json:"event_type"`
	Payload    string    `json:"payload"`
	Status     string    `gorm:"index;default:PENDING" json:"status"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BidAccepted is broadcast to the live show channel for viewer display
type BidAccepted struct {
	AuctionID   string    `json:"auction_id"`
	ShowID      string    `json:"show_id"`
	BidderID    string    `json:"bidder"`
	AmountCents int64     `json:"amount_cents"`
	At          time.Time `json:"at"`
}
