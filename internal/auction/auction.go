package auction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/pkg/metrics"
	"github.com/matandaelis/liveshop-settlement/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Sentinel rejections surfaced to callers
var (
	ErrAuctionNotFound = response.NewCodedError(http.StatusNotFound,
		response.ErrCodeAuctionNotFound, "auction not found")
	ErrAuctionClosed = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeAuctionClosed, "auction is closed")
	ErrBidTooLow = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeBidTooLow, "bid too low")
	ErrConflict = response.NewCodedError(http.StatusConflict,
		response.ErrCodeConflict, "auction is moving fast, please rebid")
)

func errBidTooLow(currentCents int64) error {
	return response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeBidTooLow,
		fmt.Sprintf("bid too low: current bid is %s", formatCents(currentCents)))
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

// Service owns live auction bidding and close-time settlement
type Service struct {
	db        *Database
	ledger    *ledger.Service
	publisher *events.Publisher

	maxBidAttempts int
}

// NewService creates a new auction service. The ledger service receives the
// settlement credit at close; the publisher carries the live bid ticker.
func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, publisher *events.Publisher, maxBidAttempts int) *Service {
	return &Service{
		db:             NewDatabase(gormDB),
		ledger:         ledgerService,
		publisher:      publisher,
		maxBidAttempts: maxBidAttempts,
	}
}

// GetDB exposes the database layer to the closer processor
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateAuctionRequest attaches a timed auction to a product
type CreateAuctionRequest struct {
	ProductID        string `json:"product_id" binding:"required"`
	StartingBidCents int64  `json:"starting_bid_cents" binding:"required,gt=0"`
	DurationSeconds  int    `json:"duration_seconds" binding:"required,gt=0"`
}

// CreateAuction attaches an auction to a product for the host's live show
func (s *Service) CreateAuction(req *CreateAuctionRequest) (*Auction, error) {
	product, err := s.db.GetProduct(req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product: %w", err)
	}
	if product == nil {
		return nil, response.NewCodedError(http.StatusNotFound,
			response.ErrCodeNotFound, "product not found")
	}

	auction := &Auction{
		AuctionID:        "AUC_" + uuid.New().String(),
		ProductID:        product.ProductID,
		ShowID:           product.ShowID,
		SellerID:         product.SellerID,
		StartingBidCents: req.StartingBidCents,
		CurrentBidCents:  req.StartingBidCents,
		ClosesAt:         time.Now().Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:           StatusOpen,
	}

	if err := s.db.CreateAuction(auction); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	log.Info().
		Str("service", "auction").
		Str("auction_id", auction.AuctionID).
		Str("product_id", auction.ProductID).
		Int64("starting_bid_cents", auction.StartingBidCents).
		Time("closes_at", auction.ClosesAt).
		Msg("auction created")

	return auction, nil
}

// PlaceBid validates and commits a bid attempt. The decision predicate
// (amount strictly above the committed current bid, auction still open) is
// re-checked inside the conditional update that writes the new high, so a
// concurrent winner can never be silently overwritten. A lost race retries
// against a fresh read a bounded number of times: the retry either commits
// (the bid really is higher than what just landed) or rejects BidTooLow.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amountCents int64) (*BidResponse, error) {
	logger := log.With().
		Str("service", "auction").
		Str("auction_id", auctionID).
		Str("bidder_id", bidderID).
		Int64("amount_cents", amountCents).
		Logger()

	for attempt := 0; attempt < s.maxBidAttempts; attempt++ {
		auction, err := s.db.GetAuction(auctionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				metrics.BidsRejected.WithLabelValues("not_found").Inc()
				return nil, ErrAuctionNotFound
			}
			return nil, fmt.Errorf("failed to fetch auction: %w", err)
		}

		if auction.Status != StatusOpen {
			metrics.BidsRejected.WithLabelValues("closed").Inc()
			return nil, ErrAuctionClosed
		}
		if !time.Now().Before(auction.ClosesAt) {
			// Lazy close: the scheduler has not reached this auction yet
			logger.Debug().Msg("bid arrived after close time, settling lazily")
			if _, closeErr := s.CloseAuction(auctionID); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("lazy close failed, closer will retry")
			}
			metrics.BidsRejected.WithLabelValues("closed").Inc()
			return nil, ErrAuctionClosed
		}

		if amountCents <= auction.CurrentBidCents {
			metrics.BidsRejected.WithLabelValues("too_low").Inc()
			return nil, errBidTooLow(auction.CurrentBidCents)
		}

		bid := &Bid{
			BidID:       "BID_" + uuid.New().String(),
			AuctionID:   auctionID,
			BidderID:    bidderID,
			AmountCents: amountCents,
		}

		err = s.db.ApplyBid(auction, bid)
		if errors.Is(err, ErrBidRace) {
			metrics.WriteConflicts.WithLabelValues("place_bid").Inc()
			logger.Debug().Int("attempt", attempt+1).Msg("lost bid race, retrying against fresh read")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to commit bid: %w", err)
		}

		metrics.BidsAccepted.Inc()
		logger.Info().Str("bid_id", bid.BidID).Msg("bid accepted")

		s.publisher.PublishBidAccepted(ctx, events.BidAccepted{
			AuctionID:   auctionID,
			ShowID:      auction.ShowID,
			BidderID:    bidderID,
			AmountCents: amountCents,
			At:          time.Now(),
		})

		return &BidResponse{
			BidID:           bid.BidID,
			AuctionID:       auctionID,
			NewHighCents:    amountCents,
			HighestBidderID: bidderID,
			Timestamp:       time.Now(),
		}, nil
	}

	metrics.BidsRejected.WithLabelValues("conflict").Inc()
	return nil, ErrConflict
}

// CloseAuction transitions an expired auction to CLOSED and settles it:
// the winning amount is credited to the seller's pending balance and the
// auction moves to SETTLED. Idempotent on status; the credit reference
// guarantees at most one credit however many times this runs.
func (s *Service) CloseAuction(auctionID string) (*Auction, error) {
	logger := log.With().
		Str("service", "auction").
		Str("auction_id", auctionID).
		Logger()

	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to fetch auction: %w", err)
	}

	if auction.Status == StatusSettled {
		return auction, nil
	}

	if auction.Status == StatusOpen {
		if time.Now().Before(auction.ClosesAt) {
			return nil, response.NewCodedError(http.StatusUnprocessableEntity,
				response.ErrCodeValidationFailed, "auction has not reached its close time")
		}

		err := s.db.TransitionStatus(nil, auctionID, StatusOpen, StatusClosed)
		if err != nil && !errors.Is(err, ErrStaleTransition) {
			return nil, fmt.Errorf("failed to close auction: %w", err)
		}

		// Re-read: a concurrent closer may have raced us through CLOSED
		auction, err = s.db.GetAuction(auctionID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read auction: %w", err)
		}
		if auction.Status == StatusSettled {
			return auction, nil
		}
		logger.Info().Msg("auction closed")
	}

	// Settle: credit the winner's amount to the seller, or finish directly
	// when no bids were placed
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if auction.HighestBidderID != nil {
			ref := "auction:" + auctionID
			if err := s.ledger.Credit(tx, auction.SellerID, auction.CurrentBidCents, ledger.BucketPending, ref); err != nil {
				return fmt.Errorf("settlement credit failed: %w", err)
			}
		}

		if err := s.db.TransitionStatus(tx, auctionID, StatusClosed, StatusSettled); err != nil {
			return err
		}

		payload := map[string]interface{}{
			"auction_id":        auctionID,
			"product_id":        auction.ProductID,
			"seller_id":         auction.SellerID,
			"winning_bid_cents": auction.CurrentBidCents,
		}
		if auction.HighestBidderID != nil {
			payload["winner"] = *auction.HighestBidderID
		}
		return events.Enqueue(tx, events.EventAuctionSettled, auctionID, payload)
	})
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			// Another worker settled first; the credit reference kept the
			// ledger write idempotent, so just report the final state
			return s.db.GetAuction(auctionID)
		}
		logger.Error().Err(err).Msg("settlement failed, auction stays CLOSED for retry")
		return nil, fmt.Errorf("failed to settle auction: %w", err)
	}

	logger.Info().
		Int64("winning_bid_cents", auction.CurrentBidCents).
		Bool("had_bids", auction.HighestBidderID != nil).
		Msg("auction settled")

	return s.db.GetAuction(auctionID)
}

// GetAuction returns the auction, lazily closing it when the close time has
// passed but the scheduler has not caught up yet. CLOSED auctions are pushed
// through settlement too, in case an earlier settle attempt died after the
// close committed.
func (s *Service) GetAuction(auctionID string) (*Auction, error) {
	auction, err := s.db.GetAuction(auctionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, err
	}

	if auction.Status != StatusSettled && !time.Now().Before(auction.ClosesAt) {
		return s.CloseAuction(auctionID)
	}

	return auction, nil
}

// GetBids returns the auction's append-only bid history in placement order
func (s *Service) GetBids(auctionID string) ([]Bid, error) {
	if _, err := s.db.GetAuction(auctionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, err
	}
	return s.db.GetBids(auctionID)
}

// GinHandlers contains HTTP handlers for auction endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateAuctionHandler handles POST requests from hosts attaching an
// auction to a product
func (h *GinHandlers) CreateAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAuctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		auction, err := h.service.CreateAuction(&req)
		response.Handle(c, auction, err)
	}
}

func (h *GinHandlers) GetAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auction, err := h.service.GetAuction(c.Param("auction_id"))
		response.Handle(c, auction, err)
	}
}

// PlaceBidHandler handles POST requests to bid on a live auction
func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AmountCents int64 `json:"amount_cents" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bidderID := c.GetString("actorID")
		bid, err := h.service.PlaceBid(c.Request.Context(), c.Param("auction_id"), bidderID, req.AmountCents)
		response.Handle(c, bid, err)
	}
}

// CloseAuctionHandler handles the scheduler's close invocations
func (h *GinHandlers) CloseAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auction, err := h.service.CloseAuction(c.Param("auction_id"))
		response.Handle(c, auction, err)
	}
}

func (h *GinHandlers) GetBidsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bids, err := h.service.GetBids(c.Param("auction_id"))
		response.Handle(c, bids, err)
	}
}
