package ledger

import (
	"context"
	"time"

	"github.com/matandaelis/liveshop-settlement/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// Processor retries compensating reversals for failed payouts whose debit
// is still outstanding, and fails payouts left in PROCESSING by a crash
// between the committed debit and the transfer call. The in-request reversal
// usually wins; this loop is the backstop that guarantees no debit stays
// unreversed.
type Processor struct {
	service    *Service
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	return &Processor{
		service:    service,
		interval:   interval,
		batchSize:  50,
		staleAfter: 10 * time.Minute,
	}
}

// Start begins the reversal retry loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reversal_processor").Logger()
	logger.Info().Msg("starting payout reversal processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down payout reversal processor")
			return
		case <-ticker.C:
			if err := p.failStaleProcessing(); err != nil {
				logger.Error().Err(err).Msg("failed to sweep stale processing payouts")
			}
			if err := p.processUnreversed(); err != nil {
				logger.Error().Err(err).Msg("failed to process unreversed payouts")
			}
		}
	}
}

// failStaleProcessing flips payouts stuck in PROCESSING past the staleness
// window to FAILED, feeding them into the reversal scan that follows.
func (p *Processor) failStaleProcessing() error {
	logger := log.With().Str("component", "reversal_processor").Logger()

	cutoff := time.Now().Add(-p.staleAfter)
	payouts, err := p.service.GetDB().GetStaleProcessingPayouts(cutoff, p.batchSize)
	if err != nil {
		return err
	}

	for i := range payouts {
		payout := payouts[i]
		if err := p.service.failStalePayout(&payout); err != nil {
			logger.Error().Err(err).
				Str("payout_id", payout.PayoutID).
				Msg("failed to mark stale payout, will retry next cycle")
		}
	}

	return nil
}

func (p *Processor) processUnreversed() error {
	logger := log.With().Str("component", "reversal_processor").Logger()

	payouts, err := p.service.GetDB().GetUnreversedFailedPayouts(p.batchSize)
	if err != nil {
		return err
	}

	// The gauge is derived from the scan so it survives restarts instead of
	// drifting with in-process increments.
	metrics.UnreversedDebits.Set(float64(len(payouts)))

	if len(payouts) > 0 {
		logger.Warn().Int("outstanding", len(payouts)).Msg("retrying outstanding payout reversals")
	}

	for i := range payouts {
		payout := payouts[i]
		if err := p.service.ReverseFailedPayout(&payout); err != nil {
			logger.Error().Err(err).
				Str("payout_id", payout.PayoutID).
				Msg("reversal retry failed, will try again next cycle")
		}
	}

	return nil
}
