package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/joho/godotenv"
	"github.com/matandaelis/liveshop-settlement/internal/auction"
	"github.com/matandaelis/liveshop-settlement/internal/auth"
	"github.com/matandaelis/liveshop-settlement/internal/checkout"
	"github.com/matandaelis/liveshop-settlement/internal/config"
	"github.com/matandaelis/liveshop-settlement/internal/database"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/internal/payments"
	"github.com/matandaelis/liveshop-settlement/pkg/metrics"
	"github.com/matandaelis/liveshop-settlement/pkg/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the settlement API server with graceful shutdown
// support. It wires the auction, checkout and ledger engines over a shared
// database, starts their background processors, and registers all routes.
func main() {
	// Load .env if present; real deployments rely on the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	middleware.Configure(cfg.Auth.JWTSecret)

	// Optional redis for live bid fanout; the engines run fine without it
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}
	publisher := events.NewPublisher(redisClient)

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	gateway := payments.NewMockGateway()

	ledgerService := ledger.NewService(db, gateway,
		cfg.Ledger.MaxCreditAttempts, cfg.Ledger.ReversalAttempts, cfg.Ledger.ReversalBackoff)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	auctionService := auction.NewService(db, ledgerService, publisher, cfg.Auction.MaxBidAttempts)
	auctionHandlers := auction.NewGinHandlers(auctionService)

	checkoutService := checkout.NewService(db, ledgerService, gateway, cfg.Checkout.PriceToleranceCents)
	checkoutHandlers := checkout.NewGinHandlers(checkoutService)

	// Start background processors
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	auctionCloser := auction.NewProcessor(auctionService, cfg.Auction.CloserInterval)
	go auctionCloser.Start(processorCtx)

	reversalProcessor := ledger.NewProcessor(ledgerService, cfg.Ledger.ReversalInterval)
	go reversalProcessor.Start(processorCtx)

	if cfg.Kafka.Enabled {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect kafka producer")
		}
		defer producer.Close()

		dispatcher := events.NewDispatcher(db, producer, cfg.Kafka.Topics.Settlement,
			cfg.Outbox.Interval, cfg.Outbox.BatchSize, cfg.Outbox.MaxRetry)
		go dispatcher.Start(processorCtx)
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, auctionHandlers, checkoutHandlers, ledgerHandlers)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Buyer and seller routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	auctionHandlers *auction.GinHandlers,
	checkoutHandlers *checkout.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

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
			auctions.POST("", middleware.RequireRole(auth.RoleHost), auctionHandlers.CreateAuctionHandler())
			auctions.GET("/:auction_id", auctionHandlers.GetAuctionHandler())
			auctions.GET("/:auction_id/bids", auctionHandlers.GetBidsHandler())
			auctions.POST("/:auction_id/bids", auctionHandlers.PlaceBidHandler())
		}

		// Cart routes
		carts := v1.Group("/carts")
		carts.Use(middleware.JWTAuth())
		{
			carts.POST("/items", checkoutHandlers.AddItemHandler())
			carts.GET("/:cart_id", checkoutHandlers.GetCartHandler())
			carts.DELETE("/:cart_id/items/:product_id", checkoutHandlers.RemoveItemHandler())
		}

		// Checkout and order routes
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
		sellers.Use(middleware.JWTAuth(), middleware.RequireRole(auth.RoleSeller))
		{
			sellers.GET("/balance", ledgerHandlers.GetBalanceHandler())
			sellers.POST("/destination", ledgerHandlers.ConnectDestinationHandler())
			sellers.POST("/payouts", ledgerHandlers.RequestPayoutHandler())
			sellers.GET("/payouts", ledgerHandlers.ListPayoutsHandler())
		}

		// Internal routes (should be protected by internal network)
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
