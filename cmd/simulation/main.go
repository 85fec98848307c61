package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matandaelis/liveshop-settlement/internal/auction"
	"github.com/matandaelis/liveshop-settlement/internal/auth"
	"github.com/matandaelis/liveshop-settlement/internal/checkout"
	"github.com/matandaelis/liveshop-settlement/internal/database"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/internal/payments"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"github.com/matandaelis/liveshop-settlement/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numSellers     = 3
	numProducts    = 9
	numAuctions    = 3
	numBuyers      = 8
	bidsPerBuyer   = 6
	ordersPerBuyer = 2
	serverAddress  = "http://localhost:8080"
	showID         = "SHOW_simulation"
	jwtSecret      = "liveshop-simulation-secret"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the settlement API.
// Each simulated actor carries its own token; internal calls use a token
// with the internal claim set.
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"seed":     {name: "Seed Product"},
			"auction":  {name: "Create Auction"},
			"bid":      {name: "Place Bid"},
			"cart":     {name: "Add To Cart"},
			"checkout": {name: "Checkout"},
			"confirm":  {name: "Confirm Payment"},
			"close":    {name: "Close Auction"},
			"release":  {name: "Release Pending"},
			"payout":   {name: "Request Payout"},
			"balance":  {name: "Get Balance"},
		},
	}
}

// apiResponse mirrors the API envelope with the data payload left raw
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do performs a request, records latency under the given stats key, and
// unmarshals the envelope data into out when the call succeeds
func (sc *simulationClient) do(statsKey, method, path, token string, body interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statsKey].addDuration(time.Since(start))
	}()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == "POST" {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statsKey].addFailure()
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		sc.stats[statsKey].addFailure()
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		sc.stats[statsKey].addFailure()
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if !envelope.Success {
		sc.stats[statsKey].addFailure()
		code := "UNKNOWN"
		message := string(respBody)
		if envelope.Error != nil {
			code = envelope.Error.Code
			message = envelope.Error.Message
		}
		return fmt.Errorf("%s %s failed with status %d: %s (%s)", method, path, resp.StatusCode, message, code)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

// authenticate mints a token for the given actor
func (sc *simulationClient) authenticate(actorID, role string, internal bool) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.do("auth", "POST", "/api/v1/auth/token", "", auth.TokenRequest{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
		ActorID:   actorID,
		Role:      role,
		Internal:  internal,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) seedProduct(internalToken string, product *types.Product) (*types.Product, error) {
	var seeded types.Product
	err := sc.do("seed", "POST", "/api/v1/internal/products", internalToken, product, &seeded)
	if err != nil {
		return nil, err
	}
	return &seeded, nil
}

func (sc *simulationClient) createAuction(hostToken, productID string, startingBidCents int64, durationSeconds int) (*auction.Auction, error) {
	var created auction.Auction
	err := sc.do("auction", "POST", "/api/v1/auctions", hostToken, auction.CreateAuctionRequest{
		ProductID:        productID,
		StartingBidCents: startingBidCents,
		DurationSeconds:  durationSeconds,
	}, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (sc *simulationClient) placeBid(buyerToken, auctionID string, amountCents int64) (*auction.BidResponse, error) {
	var bid auction.BidResponse
	err := sc.do("bid", "POST", "/api/v1/auctions/"+auctionID+"/bids", buyerToken,
		map[string]int64{"amount_cents": amountCents}, &bid)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

func (sc *simulationClient) addToCart(buyerToken, productID string, qty int) (*checkout.CartView, error) {
	var cart checkout.CartView
	err := sc.do("cart", "POST", "/api/v1/carts/items", buyerToken, map[string]interface{}{
		"show_id":    showID,
		"product_id": productID,
		"quantity":   qty,
	}, &cart)
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func (sc *simulationClient) createOrder(buyerToken, cartID string) (*checkout.OrderView, error) {
	var order checkout.OrderView
	err := sc.do("checkout", "POST", "/api/v1/checkout/"+cartID, buyerToken, nil, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) confirmPayment(internalToken, orderID string) (*checkout.OrderView, error) {
	var order checkout.OrderView
	err := sc.do("confirm", "POST", "/api/v1/internal/orders/"+orderID+"/confirm", internalToken, nil, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) closeAuction(internalToken, auctionID string) (*auction.Auction, error) {
	var closed auction.Auction
	err := sc.do("close", "POST", "/api/v1/internal/auctions/"+auctionID+"/close", internalToken, nil, &closed)
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

func (sc *simulationClient) getAuction(token, auctionID string) (*auction.Auction, error) {
	var a auction.Auction
	if err := sc.do("close", "GET", "/api/v1/auctions/"+auctionID, token, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (sc *simulationClient) getBids(token, auctionID string) ([]auction.Bid, error) {
	var bids []auction.Bid
	if err := sc.do("bid", "GET", "/api/v1/auctions/"+auctionID+"/bids", token, nil, &bids); err != nil {
		return nil, err
	}
	return bids, nil
}

func (sc *simulationClient) releasePending(internalToken, sellerID string, amountCents int64) error {
	return sc.do("release", "POST", "/api/v1/internal/sellers/"+sellerID+"/release", internalToken,
		map[string]interface{}{
			"amount_cents": amountCents,
			"reference":    "release:" + sellerID + ":" + uuid.New().String(),
		}, nil)
}

func (sc *simulationClient) connectDestination(sellerToken string) error {
	return sc.do("payout", "POST", "/api/v1/sellers/destination", sellerToken,
		map[string]string{"destination": "acct_" + uuid.New().String()[:8]}, nil)
}

func (sc *simulationClient) requestPayout(sellerToken string, amountCents int64) (*types.PayoutResponse, error) {
	var payout types.PayoutResponse
	err := sc.do("payout", "POST", "/api/v1/sellers/payouts", sellerToken,
		map[string]int64{"amount_cents": amountCents}, &payout)
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (sc *simulationClient) getBalance(sellerToken string) (*types.BalanceResponse, error) {
	var balance types.BalanceResponse
	if err := sc.do("balance", "GET", "/api/v1/sellers/balance", sellerToken, nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %8s %8s %8s %8s %8s %8s %8s %8s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %8d %8d %8s %8s %8s %8s %8s %8s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the live shopping settlement simulation. It starts a local API
// server, seeds a show's catalog and auctions, then drives concurrent buyers
// through bidding and checkout while sellers draw down their balances. The
// run ends with an integrity report over the contended resources.
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	sc := newSimulationClient()

	internalToken, err := sc.authenticate("simulation-scheduler", auth.RoleHost, true)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate internal client")
	}
	hostToken, err := sc.authenticate("HOST_1", auth.RoleHost, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate host")
	}

	// Seed the catalog: products spread across sellers, small stock so the
	// simulation actually contends on it
	sellerIDs := make([]string, numSellers)
	for i := range sellerIDs {
		sellerIDs[i] = fmt.Sprintf("SELLER_%d", i+1)
	}

	var products []*types.Product
	for i := 0; i < numProducts; i++ {
		product, err := sc.seedProduct(internalToken, &types.Product{
			SellerID:   sellerIDs[i%numSellers],
			ShowID:     showID,
			Title:      fmt.Sprintf("Drop #%d", i+1),
			PriceCents: int64(rand.Intn(9000) + 1000),
			Stock:      rand.Intn(8) + 3,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed product")
		}
		products = append(products, product)
		log.Info().
			Str("product_id", product.ProductID).
			Str("seller_id", product.SellerID).
			Int64("price_cents", product.PriceCents).
			Int("stock", product.Stock).
			Msg("Product seeded")
	}

	// Attach auctions to the first few products
	var auctionIDs []string
	for i := 0; i < numAuctions; i++ {
		created, err := sc.createAuction(hostToken, products[i].ProductID,
			int64(rand.Intn(2000)+500), 8)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create auction")
		}
		auctionIDs = append(auctionIDs, created.AuctionID)
		log.Info().
			Str("auction_id", created.AuctionID).
			Int64("starting_bid_cents", created.StartingBidCents).
			Msg("Auction created")
	}

	stats := struct {
		BidsAccepted   int
		BidsRejected   int
		OrdersCreated  int
		OrdersRejected int
		OrdersSettled  int
		Payouts        int
		PayoutsFailed  int
		TotalValue     int64
		StartTime      time.Time
		mu             sync.Mutex
	}{StartTime: time.Now()}

	// Buyers bid and shop concurrently
	var wg sync.WaitGroup
	for b := 0; b < numBuyers; b++ {
		wg.Add(1)
		go func(buyerNum int) {
			defer wg.Done()

			buyerID := fmt.Sprintf("BUYER_%d", buyerNum)
			buyerToken, err := sc.authenticate(buyerID, auth.RoleBuyer, false)
			if err != nil {
				log.Error().Err(err).Str("buyer_id", buyerID).Msg("Failed to authenticate buyer")
				return
			}

			// Bid on random auctions; rejections are expected under contention
			for i := 0; i < bidsPerBuyer; i++ {
				auctionID := auctionIDs[rand.Intn(len(auctionIDs))]
				amount := int64(rand.Intn(10000) + 500)
				bid, err := sc.placeBid(buyerToken, auctionID, amount)
				stats.mu.Lock()
				if err != nil {
					stats.BidsRejected++
				} else {
					stats.BidsAccepted++
					log.Info().
						Str("buyer_id", buyerID).
						Str("auction_id", bid.AuctionID).
						Int64("new_high_cents", bid.NewHighCents).
						Msg("Bid accepted")
				}
				stats.mu.Unlock()
				time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
			}

			// Fill a cart and check out
			for i := 0; i < ordersPerBuyer; i++ {
				product := products[rand.Intn(len(products))]
				cart, err := sc.addToCart(buyerToken, product.ProductID, rand.Intn(2)+1)
				if err != nil {
					log.Error().Err(err).Str("buyer_id", buyerID).Msg("Failed to add to cart")
					continue
				}

				order, err := sc.createOrder(buyerToken, cart.CartID)
				stats.mu.Lock()
				if err != nil {
					// Oversell rejections show up here by design of the run
					stats.OrdersRejected++
					stats.mu.Unlock()
					log.Warn().Err(err).Str("buyer_id", buyerID).Msg("Checkout rejected")
					continue
				}
				stats.OrdersCreated++
				stats.TotalValue += order.TotalCents
				stats.mu.Unlock()

				log.Info().
					Str("buyer_id", buyerID).
					Str("order_id", order.OrderID).
					Int64("total_cents", order.TotalCents).
					Msg("Order created")

				if _, err := sc.confirmPayment(internalToken, order.OrderID); err != nil {
					log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to confirm payment")
					continue
				}
				stats.mu.Lock()
				stats.OrdersSettled++
				stats.mu.Unlock()
			}
		}(b)
	}
	wg.Wait()

	// Let the auctions expire, then close them through the internal API the
	// way the scheduler would
	time.Sleep(9 * time.Second)
	for _, auctionID := range auctionIDs {
		closed, err := sc.closeAuction(internalToken, auctionID)
		if err != nil {
			log.Error().Err(err).Str("auction_id", auctionID).Msg("Failed to close auction")
			continue
		}
		log.Info().
			Str("auction_id", auctionID).
			Str("status", closed.Status).
			Int64("final_bid_cents", closed.CurrentBidCents).
			Msg("Auction closed")
	}

	// Sellers draw down: release pending, then request payouts. Transfer
	// failures and reversals are part of the run.
	for _, sellerID := range sellerIDs {
		sellerToken, err := sc.authenticate(sellerID, auth.RoleSeller, false)
		if err != nil {
			log.Error().Err(err).Str("seller_id", sellerID).Msg("Failed to authenticate seller")
			continue
		}

		balance, err := sc.getBalance(sellerToken)
		if err != nil {
			log.Error().Err(err).Str("seller_id", sellerID).Msg("Failed to get balance")
			continue
		}
		if balance.PendingCents > 0 {
			if err := sc.releasePending(internalToken, sellerID, balance.PendingCents); err != nil {
				log.Error().Err(err).Str("seller_id", sellerID).Msg("Failed to release pending")
			}
		}

		if err := sc.connectDestination(sellerToken); err != nil {
			log.Error().Err(err).Str("seller_id", sellerID).Msg("Failed to connect destination")
			continue
		}

		balance, err = sc.getBalance(sellerToken)
		if err != nil || balance.AvailableCents <= 0 {
			continue
		}
		payout, err := sc.requestPayout(sellerToken, balance.AvailableCents)
		if err != nil {
			stats.PayoutsFailed++
			log.Warn().Err(err).Str("seller_id", sellerID).Msg("Payout rejected or failed")
			continue
		}
		stats.Payouts++
		log.Info().
			Str("seller_id", sellerID).
			Str("payout_id", payout.PayoutID).
			Int64("amount_cents", payout.AmountCents).
			Str("status", payout.Status).
			Msg("Payout completed")
	}

	// Integrity report over the contended resources
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	integrityOK := true
	for _, auctionID := range auctionIDs {
		a, err := sc.getAuction(hostToken, auctionID)
		if err != nil {
			integrityOK = false
			log.Error().Err(err).Str("auction_id", auctionID).Msg("Integrity read failed")
			continue
		}
		bids, err := sc.getBids(hostToken, auctionID)
		if err != nil {
			integrityOK = false
			continue
		}
		var maxBid int64
		for _, bid := range bids {
			if bid.AmountCents > maxBid {
				maxBid = bid.AmountCents
			}
		}
		winnerOK := len(bids) == 0 || maxBid == a.CurrentBidCents
		if !winnerOK {
			integrityOK = false
		}
		fmt.Printf("Auction %s: status=%s bids=%d final=%d winner_consistent=%v\n",
			a.AuctionID, a.Status, len(bids), a.CurrentBidCents, winnerOK)
	}

	for _, sellerID := range sellerIDs {
		sellerToken, err := sc.authenticate(sellerID, auth.RoleSeller, false)
		if err != nil {
			continue
		}
		balance, err := sc.getBalance(sellerToken)
		if err != nil {
			continue
		}
		nonNegative := balance.AvailableCents >= 0 && balance.PendingCents >= 0
		if !nonNegative {
			integrityOK = false
		}
		fmt.Printf("Seller %s: available=%d pending=%d earned=%d withdrawn=%d non_negative=%v\n",
			sellerID, balance.AvailableCents, balance.PendingCents,
			balance.TotalEarnedCents, balance.TotalWithdrawnCents, nonNegative)
	}

	duration := time.Since(stats.StartTime)
	fmt.Printf(`
Run Statistics
--------------
Bids Accepted:    %d
Bids Rejected:    %d
Orders Created:   %d
Orders Rejected:  %d
Orders Settled:   %d
Payouts:          %d
Payouts Failed:   %d
Order Value:      $%.2f
Duration:         %v
Integrity:        %v
`, stats.BidsAccepted, stats.BidsRejected, stats.OrdersCreated, stats.OrdersRejected,
		stats.OrdersSettled, stats.Payouts, stats.PayoutsFailed,
		float64(stats.TotalValue)/100, duration.Round(time.Millisecond), integrityOK)

	fmt.Println(strings.Repeat("=", 80))

	sc.printPerformanceStats()

	if !integrityOK {
		log.Fatal().Msg("Integrity check failed")
	}
	log.Info().Msg("Simulation completed")
}

// startServer initializes and starts the settlement API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Fresh database per run
	_ = os.Remove("simulation.db")

	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	middleware.Configure(jwtSecret)

	// Initialize services
	authService := auth.NewService(jwtSecret, time.Hour)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	gateway := payments.NewMockGateway()
	publisher := events.NewPublisher(nil)

	ledgerService := ledger.NewService(db, gateway, 3, 3, 100*time.Millisecond)
	auctionService := auction.NewService(db, ledgerService, publisher, 3)
	checkoutService := checkout.NewService(db, ledgerService, gateway, 0)

	// Initialize router
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	auctionHandlers := auction.NewGinHandlers(auctionService)
	checkoutHandlers := checkout.NewGinHandlers(checkoutService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	// Setup routes
	setupRoutes(router, authHandlers, auctionHandlers, checkoutHandlers, ledgerHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	auctionHandlers *auction.GinHandlers,
	checkoutHandlers *checkout.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Auction routes
		auctions := v1.Group("/auctions")
		auctions.Use(middleware.JWTAuth())
		{
			auctions.POST("", auctionHandlers.CreateAuctionHandler())
			auctions.GET("/:auction_id", auctionHandlers.GetAuctionHandler())
			auctions.GET("/:auction_id/bids", auctionHandlers.GetBidsHandler())
			auctions.POST("/:auction_id/bids", auctionHandlers.PlaceBidHandler())
		}

		// Cart and order routes
		carts := v1.Group("/carts")
		carts.Use(middleware.JWTAuth())
		{
			carts.POST("/items", checkoutHandlers.AddItemHandler())
			carts.GET("/:cart_id", checkoutHandlers.GetCartHandler())
			carts.DELETE("/:cart_id/items/:product_id", checkoutHandlers.RemoveItemHandler())
		}

		checkoutGroup := v1.Group("/checkout")
		checkoutGroup.Use(middleware.JWTAuth())
		{
			checkoutGroup.POST("/:cart_id", checkoutHandlers.CreateOrderHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.GET("/:order_id", checkoutHandlers.GetOrderHandler())
		}

		// Seller routes
		sellers := v1.Group("/sellers")
		sellers.Use(middleware.JWTAuth())
		{
			sellers.GET("/balance", ledgerHandlers.GetBalanceHandler())
			sellers.POST("/destination", ledgerHandlers.ConnectDestinationHandler())
			sellers.POST("/payouts", ledgerHandlers.RequestPayoutHandler())
			sellers.GET("/payouts", ledgerHandlers.ListPayoutsHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/auctions/:auction_id/close", auctionHandlers.CloseAuctionHandler())
			internal.POST("/orders/:order_id/confirm", checkoutHandlers.ConfirmPaymentHandler())
			internal.POST("/orders/:order_id/status", checkoutHandlers.UpdateOrderStatusHandler())
			internal.POST("/sellers/:seller_id/release", ledgerHandlers.ReleasePendingHandler())
			internal.POST("/products", checkoutHandlers.SeedProductHandler())
		}
	}
}
