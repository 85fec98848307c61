package checkout

import (
	"time"

	"gorm.io/gorm"
)

// Order states, strictly forward-only
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusRefunded   = "REFUNDED"
	OrderStatusFailed     = "FAILED"
)

// Cart is keyed by buyer and show context. It is mutable scratch state,
// superseded by the immutable Order at checkout.
type Cart struct {
	gorm.Model `json:"-"`
	CartID     string    `gorm:"uniqueIndex" json:"cart_id"`
	BuyerID    string    `gorm:"uniqueIndex:idx_buyer_show" json:"buyer_id"`
	ShowID     string    `gorm:"uniqueIndex:idx_buyer_show" json:"show_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CartItem references a product and quantity. UnitPriceCents records the
// price the buyer saw at add time, which is what the price-drift policy
// compares against at order creation. Stock is only checked at checkout.
type CartItem struct {
	gorm.Model     `json:"-"`
	CartID         string    `gorm:"uniqueIndex:idx_cart_product" json:"cart_id"`
	ProductID      string    `gorm:"uniqueIndex:idx_cart_product" json:"product_id"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Order is immutable once created; only its status moves, forward-only.
// SellersCredited is the sticky settlement flag that keeps payment
// confirmation from double-crediting sellers.
type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string    `gorm:"uniqueIndex" json:"order_id"`
	BuyerID         string    `gorm:"index" json:"buyer_id"`
	ShowID          string    `json:"show_id"`
	TotalCents      int64     `json:"total_cents"`
	Status          string    `gorm:"index" json:"status"`
	PaymentRef      string    `json:"payment_ref,omitempty"`
	SellersCredited bool      `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderLine snapshots product, price and seller at order creation time,
// decoupled from later product changes
type OrderLine struct {
	gorm.Model     `json:"-"`
	OrderID        string    `gorm:"index" json:"order_id"`
	ProductID      string    `json:"product_id"`
	SellerID       string    `gorm:"index" json:"seller_id"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	SubtotalCents  int64     `json:"subtotal_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdempotencyRecord maps a caller-supplied idempotency key to the order it
// produced, so a timed-out checkout can be retried safely
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CartView is the cart plus its items
type CartView struct {
	CartID  string     `json:"cart_id"`
	BuyerID string     `json:"buyer_id"`
	ShowID  string     `json:"show_id"`
	Items   []CartItem `json:"items"`
}

// OrderView is the order plus its line snapshot
type OrderView struct {
	Order
	Lines []OrderLine `json:"lines"`
}
