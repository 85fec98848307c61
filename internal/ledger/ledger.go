package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/payments"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"github.com/matandaelis/liveshop-settlement/pkg/metrics"
	"github.com/matandaelis/liveshop-settlement/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Sentinel rejections surfaced to callers
var (
	ErrInsufficientBalance = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeInsufficientBalance, "insufficient available balance")
	ErrInsufficientPending = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeInsufficientPending, "insufficient pending balance")
	ErrNoPayoutDestination = response.NewCodedError(http.StatusUnprocessableEntity,
		response.ErrCodeNoPayoutDestination, "no payout destination connected")
	ErrTransferFailed = response.NewCodedError(http.StatusBadGateway,
		response.ErrCodeTransferFailed, "transfer failed, the debit has been reversed")
	ErrConflict = response.NewCodedError(http.StatusConflict,
		response.ErrCodeConflict, "balance changed concurrently, please retry")
)

// Service owns seller balances and payouts. It is the only subsystem that
// moves money out; the auction and checkout engines terminate here through
// Credit.
type Service struct {
	db      *Database
	gateway payments.Gateway

	maxAttempts      int
	reversalBackoff  time.Duration
	reversalAttempts int
}

// NewService creates a new ledger service with the given database connection
// and transfer gateway
func NewService(gormDB *gorm.DB, gateway payments.Gateway, maxAttempts, reversalAttempts int, reversalBackoff time.Duration) *Service {
	return &Service{
		db:               NewDatabase(gormDB),
		gateway:          gateway,
		maxAttempts:      maxAttempts,
		reversalBackoff:  reversalBackoff,
		reversalAttempts: reversalAttempts,
	}
}

// GetDB exposes the database layer to the reversal processor
func (s *Service) GetDB() *Database {
	return s.db
}

// Credit adds funds to the seller's pending or available bucket and always
// increases lifetime earnings. The unique reference makes replays no-ops, so
// settlement paths may retry freely.
//
// When tx is non-nil the credit joins the caller's transaction; the auction
// and checkout engines use this to settle atomically with their own state
// transitions.
func (s *Service) Credit(tx *gorm.DB, sellerID string, amountCents int64, bucket, reference string) error {
	if amountCents <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amountCents)
	}
	if bucket != BucketPending && bucket != BucketAvailable {
		return fmt.Errorf("unknown balance bucket %q", bucket)
	}

	logger := log.With().
		Str("service", "ledger").
		Str("seller_id", sellerID).
		Str("reference", reference).
		Logger()

	apply := func(tx *gorm.DB) error {
		if _, err := s.db.GetOrCreateBalance(tx, sellerID); err != nil {
			return err
		}

		entryType := EntryCreditPending
		if bucket == BucketAvailable {
			entryType = EntryCreditAvailable
		}
		entry := &LedgerEntry{
			EntryID:     "CRD_" + uuid.New().String(),
			SellerID:    sellerID,
			EntryType:   entryType,
			AmountCents: amountCents,
			Reference:   reference,
		}
		if err := s.db.CreateEntry(tx, entry); err != nil {
			return err
		}

		return s.db.ApplyCredit(tx, sellerID, amountCents, bucket)
	}

	var err error
	if tx != nil {
		err = apply(tx)
	} else {
		err = s.db.Transaction(apply)
	}

	if errors.Is(err, ErrDuplicateReference) {
		logger.Info().Msg("credit reference already applied, skipping")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Int64("amount_cents", amountCents).Msg("credit failed")
		return err
	}

	logger.Info().
		Int64("amount_cents", amountCents).
		Str("bucket", bucket).
		Msg("seller credited")
	return nil
}

// ReleasePending moves earned funds from pending to available once the
// return window has elapsed. Invoked by the external return-window service.
func (s *Service) ReleasePending(sellerID string, amountCents int64, reference string) error {
	if amountCents <= 0 {
		return fmt.Errorf("release amount must be positive, got %d", amountCents)
	}

	logger := log.With().
		Str("service", "ledger").
		Str("seller_id", sellerID).
		Logger()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		entry := &LedgerEntry{
			EntryID:     "CRD_" + uuid.New().String(),
			SellerID:    sellerID,
			EntryType:   EntryRelease,
			AmountCents: amountCents,
			Reference:   reference,
		}
		if err := s.db.CreateEntry(tx, entry); err != nil {
			return err
		}
		return s.db.MovePendingToAvailable(tx, sellerID, amountCents)
	})

	switch {
	case errors.Is(err, ErrDuplicateReference):
		logger.Info().Str("reference", reference).Msg("release already applied, skipping")
		return nil
	case errors.Is(err, ErrNotEnoughPending):
		return ErrInsufficientPending
	case errors.Is(err, ErrBalanceNotFound):
		return ErrInsufficientPending
	case err != nil:
		logger.Error().Err(err).Msg("release failed")
		return err
	}

	logger.Info().Int64("amount_cents", amountCents).Msg("pending funds released")
	return nil
}

// RequestPayout debits the seller's available balance and submits the
// external transfer. The debit, withdrawn-total increment, ledger entry and
// payout record commit as one unit before the transfer call; a failed
// transfer triggers the compensating reversal so funds are never
// permanently debited without a completed transfer.
func (s *Service) RequestPayout(ctx context.Context, sellerID string, amountCents int64) (*types.PayoutResponse, error) {
	logger := log.With().
		Str("service", "ledger").
		Str("seller_id", sellerID).
		Int64("amount_cents", amountCents).
		Logger()

	if amountCents <= 0 {
		return nil, response.NewCodedError(http.StatusBadRequest,
			response.ErrCodeValidationFailed, "payout amount must be positive")
	}

	balance, err := s.db.GetOrCreateBalance(nil, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller balance: %w", err)
	}
	if balance.PayoutDestination == "" {
		return nil, ErrNoPayoutDestination
	}

	payout := &Payout{
		PayoutID:    "PO_" + uuid.New().String(),
		SellerID:    sellerID,
		AmountCents: amountCents,
		Destination: balance.PayoutDestination,
		Status:      PayoutStatusProcessing,
	}

	// Debit with bounded retry on lost races. Each attempt re-reads the row
	// and repeats the full precondition inside the conditional update.
	committed := false
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.db.DebitAvailable(tx, sellerID, amountCents, balance.Version); err != nil {
				return err
			}
			entry := &LedgerEntry{
				EntryID:     "CRD_" + uuid.New().String(),
				SellerID:    sellerID,
				EntryType:   EntryPayoutDebit,
				AmountCents: -amountCents,
				Reference:   "payout:" + payout.PayoutID,
			}
			if err := s.db.CreateEntry(tx, entry); err != nil {
				return err
			}
			return s.db.CreatePayout(tx, payout)
		})

		if err == nil {
			committed = true
			break
		}
		if errors.Is(err, ErrNotEnoughAvailable) {
			logger.Info().Int64("available_cents", balance.AvailableCents).Msg("payout rejected, insufficient balance")
			return nil, ErrInsufficientBalance
		}
		if errors.Is(err, ErrStaleBalance) {
			metrics.WriteConflicts.WithLabelValues("payout_debit").Inc()
			balance, err = s.db.GetOrCreateBalance(nil, sellerID)
			if err != nil {
				return nil, fmt.Errorf("failed to reload seller balance: %w", err)
			}
			continue
		}
		return nil, fmt.Errorf("failed to commit payout debit: %w", err)
	}
	if !committed {
		return nil, ErrConflict
	}

	logger.Info().Str("payout_id", payout.PayoutID).Msg("payout debit committed, submitting transfer")

	transferRef, transferErr := s.gateway.Transfer(ctx, payout.Destination, amountCents)
	if transferErr != nil {
		logger.Error().Err(transferErr).Str("payout_id", payout.PayoutID).Msg("transfer failed, compensating")
		s.failAndReverse(payout)
		return nil, ErrTransferFailed
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.TransitionPayoutStatus(tx, payout.PayoutID, PayoutStatusProcessing, PayoutStatusCompleted, transferRef); err != nil {
			return err
		}
		return events.Enqueue(tx, events.EventPayoutCompleted, payout.PayoutID, map[string]interface{}{
			"payout_id":    payout.PayoutID,
			"seller_id":    sellerID,
			"amount_cents": amountCents,
			"transfer_ref": transferRef,
		})
	})
	if err != nil {
		// The transfer went through; the record catches up via the payout
		// status, so log and keep going rather than failing the request.
		logger.Error().Err(err).Str("payout_id", payout.PayoutID).Msg("failed to record completed transfer")
	}

	logger.Info().
		Str("payout_id", payout.PayoutID).
		Str("transfer_ref", transferRef).
		Msg("payout completed")

	return &types.PayoutResponse{
		PayoutID:    payout.PayoutID,
		SellerID:    sellerID,
		AmountCents: amountCents,
		TransferRef: transferRef,
		Status:      PayoutStatusCompleted,
		CreatedAt:   payout.CreatedAt,
	}, nil
}

// failAndReverse marks the payout failed and attempts the compensating
// reversal with backoff. If every attempt fails the reversal processor keeps
// retrying it and surfaces the outstanding count on the debit gauge.
func (s *Service) failAndReverse(payout *Payout) {
	logger := log.With().
		Str("service", "ledger").
		Str("payout_id", payout.PayoutID).
		Logger()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.TransitionPayoutStatus(tx, payout.PayoutID, PayoutStatusProcessing, PayoutStatusFailed, ""); err != nil {
			return err
		}
		return events.Enqueue(tx, events.EventPayoutFailed, payout.PayoutID, map[string]interface{}{
			"payout_id":    payout.PayoutID,
			"seller_id":    payout.SellerID,
			"amount_cents": payout.AmountCents,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark payout failed, reversal processor will retry")
	}

	for attempt := 0; attempt < s.reversalAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.reversalBackoff * time.Duration(attempt))
		}
		if err := s.ReverseFailedPayout(payout); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reversal attempt failed")
			continue
		}
		return
	}

	logger.Error().Msg("debit not reversed after transfer failure, escalating to reversal processor")
}

// failStalePayout moves a payout abandoned mid-transfer to FAILED so the
// reversal path can reclaim its debit. A payout that completed or failed in
// the meantime is left alone.
func (s *Service) failStalePayout(payout *Payout) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.TransitionPayoutStatus(tx, payout.PayoutID, PayoutStatusProcessing, PayoutStatusFailed, ""); err != nil {
			return err
		}
		return events.Enqueue(tx, events.EventPayoutFailed, payout.PayoutID, map[string]interface{}{
			"payout_id":    payout.PayoutID,
			"seller_id":    payout.SellerID,
			"amount_cents": payout.AmountCents,
		})
	})
	if errors.Is(err, ErrStaleBalance) {
		return nil
	}
	if err != nil {
		return err
	}

	log.Warn().
		Str("service", "ledger").
		Str("payout_id", payout.PayoutID).
		Str("seller_id", payout.SellerID).
		Msg("stale processing payout marked failed")
	return nil
}

// ReverseFailedPayout applies the compensating reversal for a failed payout
// exactly once. Safe to call repeatedly; the reversed flag and the unique
// reversal reference both guard against double-crediting.
func (s *Service) ReverseFailedPayout(payout *Payout) error {
	logger := log.With().
		Str("service", "ledger").
		Str("payout_id", payout.PayoutID).
		Logger()

	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		flipped, err := s.db.MarkPayoutReversed(tx, payout.PayoutID)
		if err != nil {
			return err
		}
		if !flipped {
			// Another worker already reversed this payout
			return nil
		}
		applied = true

		entry := &LedgerEntry{
			EntryID:     "CRD_" + uuid.New().String(),
			SellerID:    payout.SellerID,
			EntryType:   EntryPayoutReversal,
			AmountCents: payout.AmountCents,
			Reference:   "payout:" + payout.PayoutID + ":reversal",
		}
		if err := s.db.CreateEntry(tx, entry); err != nil {
			if errors.Is(err, ErrDuplicateReference) {
				return nil
			}
			return err
		}

		return s.db.ReverseDebit(tx, payout.SellerID, payout.AmountCents)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	metrics.PayoutReversals.Inc()
	logger.Info().Int64("amount_cents", payout.AmountCents).Msg("payout debit reversed")
	return nil
}

// GetBalance returns the seller's balance, creating the row lazily so new
// sellers see zeros instead of a missing resource
func (s *Service) GetBalance(sellerID string) (*types.BalanceResponse, error) {
	balance, err := s.db.GetOrCreateBalance(nil, sellerID)
	if err != nil {
		return nil, err
	}
	return &types.BalanceResponse{
		SellerID:            balance.SellerID,
		AvailableCents:      balance.AvailableCents,
		PendingCents:        balance.PendingCents,
		TotalEarnedCents:    balance.TotalEarnedCents,
		TotalWithdrawnCents: balance.TotalWithdrawnCents,
	}, nil
}

// ListPayouts returns the seller's payout history, newest first
func (s *Service) ListPayouts(sellerID string) ([]Payout, error) {
	return s.db.ListPayouts(sellerID)
}

// ConnectDestination records the seller's payout destination
func (s *Service) ConnectDestination(sellerID, destination string) error {
	if destination == "" {
		return response.NewCodedError(http.StatusBadRequest,
			response.ErrCodeValidationFailed, "destination is required")
	}
	if _, err := s.db.GetOrCreateBalance(nil, sellerID); err != nil {
		return err
	}
	return s.db.SetPayoutDestination(sellerID, destination)
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID := c.GetString("actorID")
		balance, err := h.service.GetBalance(sellerID)
		response.Handle(c, balance, err)
	}
}

func (h *GinHandlers) RequestPayoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			AmountCents int64 `json:"amount_cents" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		sellerID := c.GetString("actorID")
		payout, err := h.service.RequestPayout(c.Request.Context(), sellerID, request.AmountCents)
		response.Handle(c, payout, err)
	}
}

func (h *GinHandlers) ListPayoutsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID := c.GetString("actorID")
		payouts, err := h.service.ListPayouts(sellerID)
		response.Handle(c, payouts, err)
	}
}

func (h *GinHandlers) ConnectDestinationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Destination string `json:"destination" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		sellerID := c.GetString("actorID")
		if err := h.service.ConnectDestination(sellerID, request.Destination); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "payout destination connected"})
	}
}

// ReleasePendingHandler is called by the return-window service once funds
// become withdrawable
func (h *GinHandlers) ReleasePendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID := c.Param("seller_id")

		var request struct {
			AmountCents int64  `json:"amount_cents" binding:"required"`
			Reference   string `json:"reference" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.ReleasePending(sellerID, request.AmountCents, request.Reference); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "pending funds released"})
	}
}
