package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Publisher fans settlement events out to the surrounding system. Live bid
// updates go straight to the show's redis channel (viewers only care about
// the latest state); durable domain events go through the transactional
// outbox and are drained to Kafka by the Dispatcher.
//
// Every path here is fire-and-forget: the engines never block on delivery
// and never fail an operation because an event could not be published.
type Publisher struct {
	redis *redis.Client
}

// NewPublisher creates a publisher. A nil redis client disables the live
// channel, which degrades to logged skips.
func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient}
}

// ShowChannel names the redis pub/sub channel carrying a show's live ticker
func ShowChannel(showID string) string {
	return fmt.Sprintf("show:%s:live", showID)
}

// PublishBidAccepted pushes an accepted bid to the show's live channel
func (p *Publisher) PublishBidAccepted(ctx context.Context, event BidAccepted) {
	if p == nil || p.redis == nil {
		log.Debug().
			Str("component", "events").
			Str("auction_id", event.AuctionID).
			Msg("live channel disabled, skipping bid broadcast")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).
			Str("component", "events").
			Str("auction_id", event.AuctionID).
			Msg("failed to marshal bid event")
		return
	}

	if err := p.redis.Publish(ctx, ShowChannel(event.ShowID), payload).Err(); err != nil {
		log.Warn().Err(err).
			Str("component", "events").
			Str("auction_id", event.AuctionID).
			Msg("failed to broadcast bid, viewers will catch up on next accepted bid")
	}
}

// Enqueue writes a durable event into the outbox using the caller's
// transaction, so the event is committed atomically with the state change
// it describes
func Enqueue(tx *gorm.DB, eventType, messageKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	msg := &OutboxMessage{
		MessageKey: messageKey,
		EventType:  eventType,
		Payload:    string(body),
		Status:     OutboxStatusPending,
	}
	return tx.Create(msg).Error
}
