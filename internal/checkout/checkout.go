package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/internal/payments"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"github.com/matandaelis/liveshop-settlement/pkg/metrics"
	"github.com/matandaelis/liveshop-settlement/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Sentinel rejections surfaced to callers
var (
	ErrEmptyCart = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeEmptyCart, "cart is empty")
	ErrInsufficientStock = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeInsufficientStock, "insufficient stock")
	ErrPriceChanged = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodePriceChanged, "price changed since item was added")
	ErrCartNotFound = response.NewCodedError(http.StatusNotFound,
		response.ErrCodeNotFound, "cart not found")
	ErrOrderNotFound = response.NewCodedError(http.StatusNotFound,
		response.ErrCodeNotFound, "order not found")
	ErrProductNotFound = response.NewCodedError(http.StatusNotFound,
		response.ErrCodeNotFound, "product not found")
	ErrPaymentAuthorization = response.NewCodedError(http.StatusBadGateway,
		response.ErrCodeExternalServiceError, "payment authorization failed, order remains pending")
	ErrPaymentNotConfirmed = response.NewCodedError(http.StatusBadGateway,
		response.ErrCodeExternalServiceError, "payment processor rejected the confirmation")
	ErrInvalidTransition = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeValidationFailed, "invalid order status transition")
)

func errInsufficientStock(productID string) error {
	return response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeInsufficientStock,
		fmt.Sprintf("insufficient stock for product %s", productID))
}

func errPriceChanged(productID string, addedCents, currentCents int64) error {
	return response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodePriceChanged,
		fmt.Sprintf("price of product %s changed from %d to %d since it was added", productID, addedCents, currentCents))
}

// Forward-only status edges. Confirmation owns PENDING->PROCESSING; this map
// covers the fulfilment transitions exposed to operators.
var allowedTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// Service handles cart management and order settlement
type Service struct {
	db      *Database
	ledger  *ledger.Service
	gateway payments.Gateway

	// priceToleranceCents bounds how far a product's current price may
	// drift from the add-to-cart price before checkout rejects the line.
	// Negative disables the check.
	priceToleranceCents int64
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, gateway payments.Gateway, priceToleranceCents int64) *Service {
	return &Service{
		db:                  NewDatabase(gormDB),
		ledger:              ledgerService,
		gateway:             gateway,
		priceToleranceCents: priceToleranceCents,
	}
}

// GetDB exposes the database layer
func (s *Service) GetDB() *Database {
	return s.db
}

// SeedProduct registers a product in the live catalog
func (s *Service) SeedProduct(req *types.Product) (*types.Product, error) {
	if req.ProductID == "" {
		req.ProductID = "PRD_" + uuid.New().String()
	}
	if err := s.db.CreateProduct(req); err != nil {
		return nil, err
	}
	log.Info().
		Str("service", "checkout").
		Str("product_id", req.ProductID).
		Str("seller_id", req.SellerID).
		Int64("price_cents", req.PriceCents).
		Int("stock", req.Stock).
		Msg("product seeded")
	return req, nil
}

// AddItem puts a product into the buyer's cart for the show, creating the
// cart on first use. The unit price is snapshotted for the drift check at
// checkout; stock is not reserved here.
func (s *Service) AddItem(buyerID, showID, productID string, qty int) (*CartView, error) {
	if qty < 1 {
		return nil, response.NewCodedError(http.StatusUnprocessableEntity,
			response.ErrCodeValidationFailed, "quantity must be at least 1")
	}

	product, err := s.db.GetProduct(nil, productID)
	if err != nil {
		if errors.Is(err, ErrProductMissing) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}

	cart, err := s.db.GetOrCreateCart("CRT_"+uuid.New().String(), buyerID, showID)
	if err != nil {
		return nil, err
	}

	if err := s.db.UpsertCartItem(cart.CartID, productID, qty, product.PriceCents); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "checkout").
		Str("cart_id", cart.CartID).
		Str("product_id", productID).
		Int("quantity", qty).
		Msg("item added to cart")

	return s.cartView(cart)
}

// RemoveItem drops a product line from the buyer's cart
func (s *Service) RemoveItem(buyerID, cartID, productID string) (*CartView, error) {
	cart, err := s.ownedCart(buyerID, cartID)
	if err != nil {
		return nil, err
	}
	if err := s.db.RemoveCartItem(cart.CartID, productID); err != nil {
		return nil, err
	}
	return s.cartView(cart)
}

// GetCart returns the buyer's cart with its items
func (s *Service) GetCart(buyerID, cartID string) (*CartView, error) {
	cart, err := s.ownedCart(buyerID, cartID)
	if err != nil {
		return nil, err
	}
	return s.cartView(cart)
}

func (s *Service) ownedCart(buyerID, cartID string) (*Cart, error) {
	cart, err := s.db.GetCart(cartID)
	if err != nil {
		if errors.Is(err, ErrCartMissing) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}
	if buyerID != "" && cart.BuyerID != buyerID {
		return nil, ErrCartNotFound
	}
	return cart, nil
}

func (s *Service) cartView(cart *Cart) (*CartView, error) {
	items, err := s.db.GetCartItems(nil, cart.CartID)
	if err != nil {
		return nil, err
	}
	return &CartView{
		CartID:  cart.CartID,
		BuyerID: cart.BuyerID,
		ShowID:  cart.ShowID,
		Items:   items,
	}, nil
}

// CreateOrder converts the cart into an immutable PENDING order in one
// transaction. Every line's stock decrement is conditional on remaining
// stock at write time; any line failing rolls back all prior decrements.
// With a matching idempotency key the original order is returned instead of
// creating a second one.
func (s *Service) CreateOrder(ctx context.Context, buyerID, cartID, idempotencyKey string) (*OrderView, error) {
	logger := log.With().
		Str("service", "checkout").
		Str("cart_id", cartID).
		Str("buyer_id", buyerID).
		Logger()

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil {
			logger.Info().
				Str("order_id", record.ResourceID).
				Msg("idempotent checkout replay, returning existing order")
			return s.orderView(record.ResourceID)
		}
	}

	cart, err := s.ownedCart(buyerID, cartID)
	if err != nil {
		return nil, err
	}

	items, err := s.db.GetCartItems(nil, cart.CartID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	order := &Order{
		OrderID: "ORD_" + uuid.New().String(),
		BuyerID: cart.BuyerID,
		ShowID:  cart.ShowID,
		Status:  OrderStatusPending,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		lines := make([]OrderLine, 0, len(items))
		var totalCents int64

		for _, item := range items {
			product, err := s.db.GetProduct(tx, item.ProductID)
			if err != nil {
				if errors.Is(err, ErrProductMissing) {
					return ErrProductNotFound
				}
				return err
			}

			if s.priceToleranceCents >= 0 {
				drift := product.PriceCents - item.UnitPriceCents
				if drift < 0 {
					drift = -drift
				}
				if drift > s.priceToleranceCents {
					return errPriceChanged(item.ProductID, item.UnitPriceCents, product.PriceCents)
				}
			}

			if err := s.db.DecrementStock(tx, item.ProductID, item.Quantity); err != nil {
				if errors.Is(err, ErrStockShort) {
					metrics.OversellRejections.Inc()
					return errInsufficientStock(item.ProductID)
				}
				return err
			}

			subtotal := product.PriceCents * int64(item.Quantity)
			lines = append(lines, OrderLine{
				OrderID:        order.OrderID,
				ProductID:      product.ProductID,
				SellerID:       product.SellerID,
				Quantity:       item.Quantity,
				UnitPriceCents: product.PriceCents,
				SubtotalCents:  subtotal,
			})
			totalCents += subtotal
		}

		order.TotalCents = totalCents

		if err := s.db.CreateOrderWithIdempotency(tx, order, lines, idempotencyKey); err != nil {
			// A concurrent request with the same key won the insert race.
			if errors.Is(err, gorm.ErrDuplicatedKey) && idempotencyKey != "" {
				return errDuplicateKeyRace
			}
			return err
		}
		return s.db.ClearCart(tx, cart.CartID)
	})
	if errors.Is(err, errDuplicateKeyRace) {
		record, recordErr := s.db.GetIdempotencyRecord(idempotencyKey)
		if recordErr != nil || record == nil {
			return nil, err
		}
		return s.orderView(record.ResourceID)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("checkout rejected")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Int64("total_cents", order.TotalCents).
		Msg("order created")

	// The order exists regardless of how authorization goes. A failed
	// authorization still returns the committed PENDING order, with no
	// payment ref; confirmation re-authorizes before capturing.
	intentRef, err := s.gateway.Authorize(ctx, order.TotalCents, map[string]string{
		"order_id": order.OrderID,
		"buyer_id": order.BuyerID,
	})
	if err != nil {
		logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("payment authorization failed, order stays pending")
		return s.orderView(order.OrderID)
	}
	if err := s.db.SetPaymentRef(order.OrderID, intentRef); err != nil {
		return nil, err
	}
	order.PaymentRef = intentRef

	return s.orderView(order.OrderID)
}

var errDuplicateKeyRace = errors.New("idempotency key raced")

// ConfirmPayment verifies the payment with the processor and settles the
// order exactly once. The sticky credited flag is checked and set inside the
// same transaction as the per-seller credits, so replays and concurrent
// confirms cannot double-credit.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentRef string) (*OrderView, error) {
	logger := log.With().
		Str("service", "checkout").
		Str("order_id", orderID).
		Logger()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, ErrOrderMissing) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	// Replays after a successful confirm return the settled order.
	if order.Status != OrderStatusPending {
		if order.SellersCredited {
			logger.Info().Msg("order already settled, confirm is a no-op")
			return s.orderView(orderID)
		}
		return nil, ErrInvalidTransition
	}

	if paymentRef == "" {
		paymentRef = order.PaymentRef
	}
	if paymentRef == "" {
		// Authorization failed at checkout time; retry it now so the
		// pending order can still complete.
		intentRef, err := s.gateway.Authorize(ctx, order.TotalCents, map[string]string{
			"order_id": order.OrderID,
			"buyer_id": order.BuyerID,
		})
		if err != nil {
			logger.Error().Err(err).Msg("payment authorization retry failed")
			return nil, ErrPaymentAuthorization
		}
		if err := s.db.SetPaymentRef(orderID, intentRef); err != nil {
			return nil, err
		}
		paymentRef = intentRef
	}
	if err := s.gateway.Confirm(ctx, paymentRef); err != nil {
		logger.Error().Err(err).Msg("payment confirmation rejected")
		return nil, ErrPaymentNotConfirmed
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.TransitionOrderStatus(tx, orderID, OrderStatusPending, OrderStatusProcessing, paymentRef); err != nil {
			return err
		}

		flipped, err := s.db.MarkSellersCredited(tx, orderID)
		if err != nil {
			return err
		}
		if !flipped {
			return nil
		}

		lines, err := s.db.GetOrderLines(tx, orderID)
		if err != nil {
			return err
		}
		bySeller := make(map[string]int64)
		for _, line := range lines {
			bySeller[line.SellerID] += line.SubtotalCents
		}
		for sellerID, amountCents := range bySeller {
			ref := fmt.Sprintf("order:%s:seller:%s", orderID, sellerID)
			if err := s.ledger.Credit(tx, sellerID, amountCents, ledger.BucketPending, ref); err != nil {
				return err
			}
		}

		return events.Enqueue(tx, events.EventOrderSettled, orderID, map[string]interface{}{
			"order_id":    orderID,
			"buyer_id":    order.BuyerID,
			"show_id":     order.ShowID,
			"total_cents": order.TotalCents,
			"payment_ref": paymentRef,
		})
	})
	if errors.Is(err, ErrStaleOrderStatus) {
		// A concurrent confirm won the transition; return its result.
		fresh, freshErr := s.db.GetOrder(orderID)
		if freshErr == nil && fresh.SellersCredited {
			return s.orderView(orderID)
		}
		metrics.WriteConflicts.WithLabelValues("confirm_payment").Inc()
		return nil, ErrInvalidTransition
	}
	if err != nil {
		logger.Error().Err(err).Msg("order settlement failed")
		return nil, err
	}

	logger.Info().
		Int64("total_cents", order.TotalCents).
		Msg("order settled, sellers credited")

	return s.orderView(orderID)
}

// UpdateOrderStatus moves an order along the fulfilment path. Transitions
// only move forward; terminal states never change.
func (s *Service) UpdateOrderStatus(orderID, to string) (*Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, ErrOrderMissing) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	allowed := false
	for _, next := range allowedTransitions[order.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, response.NewCodedError(http.StatusUnprocessableEntity,
			response.ErrCodeValidationFailed,
			fmt.Sprintf("cannot transition order from %s to %s", order.Status, to))
	}

	if err := s.db.TransitionOrderStatus(nil, orderID, order.Status, to, ""); err != nil {
		if errors.Is(err, ErrStaleOrderStatus) {
			return nil, response.NewCodedError(http.StatusConflict,
				response.ErrCodeConflict, "order status changed concurrently, please retry")
		}
		return nil, err
	}

	log.Info().
		Str("service", "checkout").
		Str("order_id", orderID).
		Str("from", order.Status).
		Str("to", to).
		Msg("order status updated")

	return s.db.GetOrder(orderID)
}

// GetOrder returns the order with its line snapshot. A non-empty buyerID
// scopes the lookup to that buyer's orders.
func (s *Service) GetOrder(buyerID, orderID string) (*OrderView, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, ErrOrderMissing) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if buyerID != "" && order.BuyerID != buyerID {
		return nil, ErrOrderNotFound
	}
	return s.orderView(orderID)
}

func (s *Service) orderView(orderID string) (*OrderView, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		if errors.Is(err, ErrOrderMissing) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	lines, err := s.db.GetOrderLines(nil, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: *order, Lines: lines}, nil
}

// GinHandlers contains HTTP handlers for cart and order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// AddItemHandler handles POST requests adding a product to the buyer's cart
func (h *GinHandlers) AddItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ShowID    string `json:"show_id" binding:"required"`
			ProductID string `json:"product_id" binding:"required"`
			Quantity  int    `json:"quantity" binding:"required,gte=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		buyerID := c.GetString("actorID")
		cart, err := h.service.AddItem(buyerID, req.ShowID, req.ProductID, req.Quantity)
		response.Handle(c, cart, err)
	}
}

func (h *GinHandlers) RemoveItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := c.GetString("actorID")
		cart, err := h.service.RemoveItem(buyerID, c.Param("cart_id"), c.Param("product_id"))
		response.Handle(c, cart, err)
	}
}

func (h *GinHandlers) GetCartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := c.GetString("actorID")
		cart, err := h.service.GetCart(buyerID, c.Param("cart_id"))
		response.Handle(c, cart, err)
	}
}

// CreateOrderHandler handles POST requests converting a cart into an order.
// The Idempotency-Key header makes retries safe.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := c.GetString("actorID")
		idempotencyKey := c.GetHeader("Idempotency-Key")
		order, err := h.service.CreateOrder(c.Request.Context(), buyerID, c.Param("cart_id"), idempotencyKey)
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyerID := c.GetString("actorID")
		order, err := h.service.GetOrder(buyerID, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ConfirmPaymentHandler handles the payment processor's confirmation callback
func (h *GinHandlers) ConfirmPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PaymentRef string `json:"payment_ref"`
		}
		// body is optional; the stored intent ref is used when absent
		_ = c.ShouldBindJSON(&req)

		order, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("order_id"), req.PaymentRef)
		response.Handle(c, order, err)
	}
}

// UpdateOrderStatusHandler handles fulfilment status updates
func (h *GinHandlers) UpdateOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.UpdateOrderStatus(c.Param("order_id"), req.Status)
		response.Handle(c, order, err)
	}
}

// SeedProductHandler handles internal catalog seeding
func (h *GinHandlers) SeedProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.Product
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		product, err := h.service.SeedProduct(&req)
		response.Handle(c, product, err)
	}
}
