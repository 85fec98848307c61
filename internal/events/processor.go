package events

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Dispatcher drains pending outbox messages to Kafka. It runs alongside the
// server; when no producer is configured it leaves messages pending so a
// later deployment with a broker picks them up.
type Dispatcher struct {
	db        *gorm.DB
	producer  sarama.SyncProducer
	topic     string
	interval  time.Duration
	batchSize int
	maxRetry  int
}

func NewDispatcher(db *gorm.DB, producer sarama.SyncProducer, topic string, interval time.Duration, batchSize, maxRetry int) *Dispatcher {
	return &Dispatcher{
		db:        db,
		producer:  producer,
		topic:     topic,
		interval:  interval,
		batchSize: batchSize,
		maxRetry:  maxRetry,
	}
}

// NewProducer builds a synchronous Kafka producer with full-acknowledgement
// semantics for the outbox
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	return sarama.NewSyncProducer(brokers, cfg)
}

// Start begins the outbox dispatch loop
func (d *Dispatcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "outbox_dispatcher").Logger()

	if d.producer == nil {
		logger.Info().Msg("no kafka producer configured, outbox dispatch disabled")
		return
	}

	logger.Info().Msg("starting outbox dispatcher")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox dispatcher")
			return
		case <-ticker.C:
			if err := d.drainPending(); err != nil {
				logger.Error().Err(err).Msg("failed to drain outbox")
			}
		}
	}
}

func (d *Dispatcher) drainPending() error {
	logger := log.With().Str("component", "outbox_dispatcher").Logger()

	var messages []OutboxMessage
	err := d.db.
		Where("status = ?", OutboxStatusPending).
		Order("created_at ASC").
		Limit(d.batchSize).
		Find(&messages).Error
	if err != nil {
		return err
	}

	for i := range messages {
		msg := &messages[i]

		_, _, sendErr := d.producer.SendMessage(&sarama.ProducerMessage{
			Topic: d.topic,
			Key:   sarama.StringEncoder(msg.MessageKey),
			Value: sarama.StringEncoder(msg.Payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_type"), Value: []byte(msg.EventType)},
			},
		})

		if sendErr == nil {
			if err := d.db.Model(msg).Update("status", OutboxStatusSent).Error; err != nil {
				logger.Error().Err(err).Uint("message_id", msg.ID).Msg("failed to mark message sent")
			}
			continue
		}

		logger.Warn().Err(sendErr).
			Uint("message_id", msg.ID).
			Str("event_type", msg.EventType).
			Int("retry_count", msg.RetryCount).
			Msg("failed to publish outbox message")

		updates := map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
		}
		if msg.RetryCount+1 >= d.maxRetry {
			updates["status"] = OutboxStatusFailed
			logger.Error().
				Uint("message_id", msg.ID).
				Str("event_type", msg.EventType).
				Msg("outbox message exceeded max retries, marked failed")
		}
		if err := d.db.Model(msg).Updates(updates).Error; err != nil {
			logger.Error().Err(err).Uint("message_id", msg.ID).Msg("failed to update retry count")
		}
	}

	return nil
}
