package checkout

import (
	"errors"
	"time"

	"github.com/matandaelis/liveshop-settlement/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCartMissing      = errors.New("cart not found")
	ErrOrderMissing     = errors.New("order not found")
	ErrProductMissing   = errors.New("product not found")
	ErrStockShort       = errors.New("insufficient stock")
	ErrStaleOrderStatus = errors.New("order status changed concurrently")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside a store transaction
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func (d *Database) CreateProduct(product *types.Product) error {
	return d.db.Create(product).Error
}

func (d *Database) GetProduct(tx *gorm.DB, productID string) (*types.Product, error) {
	if tx == nil {
		tx = d.db
	}
	var product types.Product
	if err := tx.Where("product_id = ?", productID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductMissing
		}
		return nil, err
	}
	return &product, nil
}

// DecrementStock takes qty units off the product's stock, conditioned on
// the stock still covering the quantity at write time. RowsAffected of zero
// means the decrement would oversell; nothing is written and the caller's
// transaction rolls back every earlier decrement.
func (d *Database) DecrementStock(tx *gorm.DB, productID string, qty int) error {
	result := tx.Model(&types.Product{}).
		Where("product_id = ? AND stock >= ?", productID, qty).
		Updates(map[string]interface{}{
			"stock":   gorm.Expr("stock - ?", qty),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStockShort
	}
	return nil
}

// GetOrCreateCart resolves the buyer's cart for a show, creating it lazily
func (d *Database) GetOrCreateCart(cartID, buyerID, showID string) (*Cart, error) {
	newCart := &Cart{
		CartID:  cartID,
		BuyerID: buyerID,
		ShowID:  showID,
	}
	err := d.db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "show_id"}},
			DoNothing: true,
		}).
		Create(newCart).Error
	if err != nil {
		return nil, err
	}

	var cart Cart
	if err := d.db.Where("buyer_id = ? AND show_id = ?", buyerID, showID).First(&cart).Error; err != nil {
		return nil, err
	}
	return &cart, nil
}

func (d *Database) GetCart(cartID string) (*Cart, error) {
	var cart Cart
	if err := d.db.Where("cart_id = ?", cartID).First(&cart).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCartMissing
		}
		return nil, err
	}
	return &cart, nil
}

// UpsertCartItem adds the product to the cart or bumps its quantity,
// snapshotting the unit price the buyer saw
func (d *Database) UpsertCartItem(cartID, productID string, qty int, unitPriceCents int64) error {
	item := &CartItem{
		CartID:         cartID,
		ProductID:      productID,
		Quantity:       qty,
		UnitPriceCents: unitPriceCents,
	}
	return d.db.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cart_id"}, {Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   gorm.Expr("quantity + ?", qty),
				"updated_at": time.Now(),
			}),
		}).
		Create(item).Error
}

func (d *Database) RemoveCartItem(cartID, productID string) error {
	return d.db.Where("cart_id = ? AND product_id = ?", cartID, productID).Delete(&CartItem{}).Error
}

func (d *Database) GetCartItems(tx *gorm.DB, cartID string) ([]CartItem, error) {
	if tx == nil {
		tx = d.db
	}
	var items []CartItem
	if err := tx.Where("cart_id = ?", cartID).Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ClearCart removes the cart's items once they are snapshotted into an order
func (d *Database) ClearCart(tx *gorm.DB, cartID string) error {
	return tx.Where("cart_id = ?", cartID).Delete(&CartItem{}).Error
}

// CreateOrderWithIdempotency inserts the order, its line snapshot and the
// idempotency record inside the caller's transaction
func (d *Database) CreateOrderWithIdempotency(tx *gorm.DB, order *Order, lines []OrderLine, idempotencyKey string) error {
	if err := tx.Create(order).Error; err != nil {
		return err
	}
	if err := tx.Create(&lines).Error; err != nil {
		return err
	}

	if idempotencyKey == "" {
		return nil
	}
	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	return tx.Create(&record).Error
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetOrder(orderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderMissing
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderLines(tx *gorm.DB, orderID string) ([]OrderLine, error) {
	if tx == nil {
		tx = d.db
	}
	var lines []OrderLine
	if err := tx.Where("order_id = ?", orderID).Order("created_at ASC").Find(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// TransitionOrderStatus moves an order forward, conditioned on its current
// status so replays and races settle exactly once
func (d *Database) TransitionOrderStatus(tx *gorm.DB, orderID, from, to, paymentRef string) error {
	if tx == nil {
		tx = d.db
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if paymentRef != "" {
		updates["payment_ref"] = paymentRef
	}

	result := tx.Model(&Order{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleOrderStatus
	}
	return nil
}

// MarkSellersCredited flips the sticky credited flag exactly once
func (d *Database) MarkSellersCredited(tx *gorm.DB, orderID string) (bool, error) {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&Order{}).
		Where("order_id = ? AND sellers_credited = ?", orderID, false).
		Update("sellers_credited", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetPaymentRef records the authorization intent on a pending order
func (d *Database) SetPaymentRef(orderID, paymentRef string) error {
	return d.db.Model(&Order{}).
		Where("order_id = ?", orderID).
		Update("payment_ref", paymentRef).Error
}
