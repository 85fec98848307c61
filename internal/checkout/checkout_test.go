package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubGateway is a deterministic payment gateway for tests
type stubGateway struct {
	failAuthorize bool
	failConfirm   bool
	confirms      int
}

func (g *stubGateway) Authorize(_ context.Context, _ int64, _ map[string]string) (string, error) {
	if g.failAuthorize {
		return "", errors.New("authorization declined")
	}
	return "PI_test", nil
}

func (g *stubGateway) Confirm(_ context.Context, _ string) error {
	g.confirms++
	if g.failConfirm {
		return errors.New("confirmation declined")
	}
	return nil
}

func (g *stubGateway) Transfer(_ context.Context, _ string, _ int64) (string, error) {
	return "TR_test", nil
}

func setupTestService(t *testing.T, gateway *stubGateway, priceToleranceCents int64) (*Service, *ledger.Service, *gorm.DB, func()) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&types.Product{},
		&Cart{}, &CartItem{}, &Order{}, &OrderLine{}, &IdempotencyRecord{},
		&ledger.SellerBalance{}, &ledger.Payout{}, &ledger.LedgerEntry{},
		&events.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test schema: %v", err)
	}

	ledgerService := ledger.NewService(db, gateway, 3, 2, time.Millisecond)
	service := NewService(db, ledgerService, gateway, priceToleranceCents)

	cleanup := func() {
		sqlDB.Close()
	}
	return service, ledgerService, db, cleanup
}

func seedTestProduct(t *testing.T, service *Service, productID, sellerID string, priceCents int64, stock int) {
	_, err := service.SeedProduct(&types.Product{
		ProductID:  productID,
		SellerID:   sellerID,
		ShowID:     "SHOW_1",
		Title:      "Test Drop",
		PriceCents: priceCents,
		Stock:      stock,
	})
	if err != nil {
		t.Fatalf("Failed to seed product: %v", err)
	}
}

func TestAddItemAndGetCart(t *testing.T) {
	service, _, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 10)

	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 2)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("Expected 1 cart line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 2 {
		t.Errorf("Expected quantity 2, got %d", cart.Items[0].Quantity)
	}
	if cart.Items[0].UnitPriceCents != 2500 {
		t.Errorf("Expected snapshotted price 2500, got %d", cart.Items[0].UnitPriceCents)
	}

	// Adding the same product again bumps the quantity on the same line
	cart, err = service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("Second AddItem failed: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 3 {
		t.Errorf("Expected single line with quantity 3, got %d lines", len(cart.Items))
	}

	// Carts are scoped to their owner
	if _, err := service.GetCart("BUYER_2", cart.CartID); !errors.Is(err, ErrCartNotFound) {
		t.Errorf("Expected ErrCartNotFound for foreign cart, got %v", err)
	}
}

func TestAddItemUnknownProduct(t *testing.T) {
	service, _, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	if _, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_missing", 1); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound, got %v", err)
	}
}

func TestCreateOrderSnapshotsAndDecrementsStock(t *testing.T) {
	service, _, db, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	seedTestProduct(t, service, "PRD_2", "SELLER_2", 1000, 5)

	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 2)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_2", 3); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Status != OrderStatusPending {
		t.Errorf("Expected status %s, got %s", OrderStatusPending, order.Status)
	}
	if order.TotalCents != 2*2500+3*1000 {
		t.Errorf("Expected total 8000, got %d", order.TotalCents)
	}
	if len(order.Lines) != 2 {
		t.Fatalf("Expected 2 order lines, got %d", len(order.Lines))
	}
	if order.PaymentRef == "" {
		t.Error("Expected a payment intent ref on the created order")
	}

	var product types.Product
	if err := db.Where("product_id = ?", "PRD_1").First(&product).Error; err != nil {
		t.Fatalf("Failed to read product: %v", err)
	}
	if product.Stock != 3 {
		t.Errorf("Expected stock 3 after order, got %d", product.Stock)
	}

	// The cart is cleared by checkout
	view, err := service.GetCart("BUYER_1", cart.CartID)
	if err != nil {
		t.Fatalf("GetCart failed: %v", err)
	}
	if len(view.Items) != 0 {
		t.Errorf("Expected empty cart after checkout, got %d items", len(view.Items))
	}
}

func TestCreateOrderEmptyCart(t *testing.T) {
	service, _, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := service.RemoveItem("BUYER_1", cart.CartID, "PRD_1"); err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}

	if _, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, ""); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("Expected ErrEmptyCart, got %v", err)
	}
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	service, _, db, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	// Two buyers want 2 units each from a stock of 3
	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 3)
	seedTestProduct(t, service, "PRD_2", "SELLER_1", 1000, 10)

	cartA, err := service.AddItem("BUYER_A", "SHOW_1", "PRD_1", 2)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	cartB, err := service.AddItem("BUYER_B", "SHOW_1", "PRD_2", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := service.AddItem("BUYER_B", "SHOW_1", "PRD_1", 2); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	if _, err := service.CreateOrder(context.Background(), "BUYER_A", cartA.CartID, ""); err != nil {
		t.Fatalf("First order should succeed: %v", err)
	}

	// Only 1 unit of PRD_1 remains; the whole second order must fail
	_, err = service.CreateOrder(context.Background(), "BUYER_B", cartB.CartID, "")
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}

	// The failing line rolled back the PRD_2 decrement too
	var product types.Product
	if err := db.Where("product_id = ?", "PRD_2").First(&product).Error; err != nil {
		t.Fatalf("Failed to read product: %v", err)
	}
	if product.Stock != 10 {
		t.Errorf("Expected PRD_2 stock untouched at 10, got %d", product.Stock)
	}

	// The rejected buyer keeps their cart for a retry
	view, err := service.GetCart("BUYER_B", cartB.CartID)
	if err != nil {
		t.Fatalf("GetCart failed: %v", err)
	}
	if len(view.Items) != 2 {
		t.Errorf("Expected rejected cart to keep its 2 items, got %d", len(view.Items))
	}
}

func TestCreateOrderPriceDrift(t *testing.T) {
	service, _, db, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	// Price moves after the item is in the cart
	if err := db.Model(&types.Product{}).Where("product_id = ?", "PRD_1").
		Update("price_cents", 2600).Error; err != nil {
		t.Fatalf("Failed to change price: %v", err)
	}

	_, err = service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if !errors.Is(err, ErrPriceChanged) {
		t.Errorf("Expected ErrPriceChanged with zero tolerance, got %v", err)
	}
}

func TestCreateOrderPriceDriftDisabled(t *testing.T) {
	// Negative tolerance turns the drift check off
	service, _, db, cleanup := setupTestService(t, &stubGateway{}, -1)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	if err := db.Model(&types.Product{}).Where("product_id = ?", "PRD_1").
		Update("price_cents", 9900).Error; err != nil {
		t.Fatalf("Failed to change price: %v", err)
	}

	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	// The order charges the current price
	if order.TotalCents != 9900 {
		t.Errorf("Expected total 9900 at the current price, got %d", order.TotalCents)
	}
}

func TestCreateOrderIdempotencyKeyReplay(t *testing.T) {
	service, _, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	first, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "key-1")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	// The retry returns the original order without touching stock again
	second, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "key-1")
	if err != nil {
		t.Fatalf("Replayed CreateOrder failed: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("Expected same order on replay, got %s and %s", first.OrderID, second.OrderID)
	}
}

func TestConfirmPaymentCreditsSellersOnce(t *testing.T) {
	gateway := &stubGateway{}
	service, ledgerService, _, cleanup := setupTestService(t, gateway, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	seedTestProduct(t, service, "PRD_2", "SELLER_2", 1000, 5)

	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 2)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_2", 3); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	confirmed, err := service.ConfirmPayment(context.Background(), order.OrderID, "")
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if confirmed.Status != OrderStatusProcessing {
		t.Errorf("Expected status %s, got %s", OrderStatusProcessing, confirmed.Status)
	}

	// Each seller is credited their own subtotal, into pending
	balance1, _ := ledgerService.GetBalance("SELLER_1")
	if balance1.PendingCents != 5000 {
		t.Errorf("Expected SELLER_1 pending 5000, got %d", balance1.PendingCents)
	}
	balance2, _ := ledgerService.GetBalance("SELLER_2")
	if balance2.PendingCents != 3000 {
		t.Errorf("Expected SELLER_2 pending 3000, got %d", balance2.PendingCents)
	}

	// A replayed confirmation is a no-op on balances
	replayed, err := service.ConfirmPayment(context.Background(), order.OrderID, "")
	if err != nil {
		t.Fatalf("Replayed ConfirmPayment failed: %v", err)
	}
	if replayed.Status != OrderStatusProcessing {
		t.Errorf("Expected status %s on replay, got %s", OrderStatusProcessing, replayed.Status)
	}
	balance1, _ = ledgerService.GetBalance("SELLER_1")
	if balance1.PendingCents != 5000 {
		t.Errorf("Expected SELLER_1 pending still 5000 after replay, got %d", balance1.PendingCents)
	}
}

func TestConfirmPaymentConcurrentCreditsOnce(t *testing.T) {
	service, ledgerService, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losers of the transition race surface a conflict or return
			// the settled order; neither may credit twice
			_, _ = service.ConfirmPayment(context.Background(), order.OrderID, "")
		}()
	}
	wg.Wait()

	balance, _ := ledgerService.GetBalance("SELLER_1")
	if balance.PendingCents != 2500 {
		t.Errorf("Expected SELLER_1 credited exactly once (2500), got %d", balance.PendingCents)
	}
}

func TestConfirmPaymentGatewayRejection(t *testing.T) {
	gateway := &stubGateway{failConfirm: true}
	service, ledgerService, _, cleanup := setupTestService(t, gateway, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if _, err := service.ConfirmPayment(context.Background(), order.OrderID, ""); !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("Expected ErrPaymentNotConfirmed, got %v", err)
	}

	// Nothing settles on a rejected confirmation
	view, err := service.GetOrder("", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if view.Status != OrderStatusPending {
		t.Errorf("Expected order to stay %s, got %s", OrderStatusPending, view.Status)
	}
	balance, _ := ledgerService.GetBalance("SELLER_1")
	if balance.PendingCents != 0 {
		t.Errorf("Expected no credit on rejected confirmation, got %d", balance.PendingCents)
	}
}

func TestUpdateOrderStatusForwardOnly(t *testing.T) {
	service, _, _, cleanup := setupTestService(t, &stubGateway{}, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)
	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, err := service.ConfirmPayment(context.Background(), order.OrderID, ""); err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}

	// PROCESSING cannot jump straight to DELIVERED
	if _, err := service.UpdateOrderStatus(order.OrderID, OrderStatusDelivered); err == nil {
		t.Error("Expected PROCESSING -> DELIVERED to be rejected")
	}

	updated, err := service.UpdateOrderStatus(order.OrderID, OrderStatusShipped)
	if err != nil {
		t.Fatalf("UpdateOrderStatus failed: %v", err)
	}
	if updated.Status != OrderStatusShipped {
		t.Errorf("Expected status %s, got %s", OrderStatusShipped, updated.Status)
	}

	updated, err = service.UpdateOrderStatus(order.OrderID, OrderStatusDelivered)
	if err != nil {
		t.Fatalf("UpdateOrderStatus failed: %v", err)
	}

	// DELIVERED is terminal
	if _, err := service.UpdateOrderStatus(order.OrderID, OrderStatusShipped); err == nil {
		t.Error("Expected transition out of DELIVERED to be rejected")
	}
}

// A failed authorization must not hide the committed order: stock is already
// decremented and the cart cleared, so the caller needs the order id to
// re-query and confirm later.
func TestCreateOrderAuthorizationFailureReturnsPendingOrder(t *testing.T) {
	gateway := &stubGateway{failAuthorize: true}
	service, ledgerService, db, cleanup := setupTestService(t, gateway, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)

	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 2)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("Expected the pending order despite failed authorization, got error: %v", err)
	}
	if order.Status != OrderStatusPending {
		t.Errorf("Expected status %s, got %s", OrderStatusPending, order.Status)
	}
	if order.PaymentRef != "" {
		t.Errorf("Expected no payment ref after failed authorization, got %q", order.PaymentRef)
	}

	// The committed state is reachable through the normal read path
	fetched, err := service.GetOrder("BUYER_1", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if fetched.TotalCents != 5000 {
		t.Errorf("Expected total 5000, got %d", fetched.TotalCents)
	}

	var product types.Product
	if err := db.Where("product_id = ?", "PRD_1").First(&product).Error; err != nil {
		t.Fatalf("Failed to read product: %v", err)
	}
	if product.Stock != 3 {
		t.Errorf("Expected stock 3 after committed order, got %d", product.Stock)
	}

	// Confirmation re-authorizes once the processor recovers
	gateway.failAuthorize = false
	settled, err := service.ConfirmPayment(context.Background(), order.OrderID, "")
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if settled.Status != OrderStatusProcessing {
		t.Errorf("Expected status %s after confirm, got %s", OrderStatusProcessing, settled.Status)
	}
	if settled.PaymentRef == "" {
		t.Error("Expected a payment ref from the confirm-time authorization")
	}

	balance, err := ledgerService.GetBalance("SELLER_1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.PendingCents != 5000 {
		t.Errorf("Expected seller pending 5000, got %d", balance.PendingCents)
	}
}

func TestConfirmPaymentAuthorizationRetryFailure(t *testing.T) {
	gateway := &stubGateway{failAuthorize: true}
	service, _, _, cleanup := setupTestService(t, gateway, 0)
	defer cleanup()

	seedTestProduct(t, service, "PRD_1", "SELLER_1", 2500, 5)

	cart, err := service.AddItem("BUYER_1", "SHOW_1", "PRD_1", 1)
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	order, err := service.CreateOrder(context.Background(), "BUYER_1", cart.CartID, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	// Processor still down: confirm surfaces the authorization failure and
	// leaves the order pending for another attempt
	if _, err := service.ConfirmPayment(context.Background(), order.OrderID, ""); !errors.Is(err, ErrPaymentAuthorization) {
		t.Fatalf("Expected ErrPaymentAuthorization, got %v", err)
	}

	fetched, err := service.GetOrder("BUYER_1", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if fetched.Status != OrderStatusPending {
		t.Errorf("Expected order to stay %s, got %s", OrderStatusPending, fetched.Status)
	}
}
