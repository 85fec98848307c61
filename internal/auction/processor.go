package auction

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor sweeps expired auctions that have not settled yet and drives
// them through close and settlement. That covers OPEN auctions nobody is
// looking at and CLOSED ones whose settlement transaction never committed.
type Processor struct {
	service   *Service
	interval  time.Duration
	batchSize int
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	return &Processor{
		service:   service,
		interval:  interval,
		batchSize: 50,
	}
}

// Start begins the auction closing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "auction_closer").Logger()
	logger.Info().Msg("starting auction closer")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down auction closer")
			return
		case <-ticker.C:
			if err := p.closeExpired(); err != nil {
				logger.Error().Err(err).Msg("failed to close expired auctions")
			}
		}
	}
}

func (p *Processor) closeExpired() error {
	logger := log.With().Str("component", "auction_closer").Logger()

	auctions, err := p.service.GetDB().GetUnsettledExpiredAuctions(p.batchSize)
	if err != nil {
		return err
	}

	for i := range auctions {
		auctionID := auctions[i].AuctionID
		if _, err := p.service.CloseAuction(auctionID); err != nil {
			logger.Error().Err(err).
				Str("auction_id", auctionID).
				Msg("failed to close auction, will retry next sweep")
		}
	}

	return nil
}
