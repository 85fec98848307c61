package events

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) (*gorm.DB, func()) {
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

	if err := db.AutoMigrate(&OutboxMessage{}); err != nil {
		t.Fatalf("Failed to migrate test schema: %v", err)
	}

	return db, func() { sqlDB.Close() }
}

func TestEnqueueCommitsWithCallerTransaction(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// A rolled-back transaction must not leave the event behind
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Enqueue(tx, EventOrderSettled, "ORD_1", map[string]string{"order_id": "ORD_1"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		return errors.New("force rollback")
	})
	if err == nil {
		t.Fatal("Expected transaction to roll back")
	}

	var count int64
	db.Model(&OutboxMessage{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no outbox rows after rollback, got %d", count)
	}

	// A committed transaction leaves it pending
	err = db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, EventOrderSettled, "ORD_1", map[string]string{"order_id": "ORD_1"})
	})
	if err != nil {
		t.Fatalf("Enqueue transaction failed: %v", err)
	}

	var msg OutboxMessage
	if err := db.First(&msg).Error; err != nil {
		t.Fatalf("Failed to read outbox message: %v", err)
	}
	if msg.Status != OutboxStatusPending {
		t.Errorf("Expected status %s, got %s", OutboxStatusPending, msg.Status)
	}
	if msg.MessageKey != "ORD_1" {
		t.Errorf("Expected message key ORD_1, got %s", msg.MessageKey)
	}
}

func TestDrainPendingMarksSent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Enqueue(tx, EventAuctionSettled, "AUC_1", map[string]string{"auction_id": "AUC_1"}); err != nil {
			return err
		}
		return Enqueue(tx, EventPayoutCompleted, "PO_1", map[string]string{"payout_id": "PO_1"})
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	dispatcher := NewDispatcher(db, producer, "settlement", time.Second, 100, 3)
	if err := dispatcher.drainPending(); err != nil {
		t.Fatalf("drainPending failed: %v", err)
	}

	var pending int64
	db.Model(&OutboxMessage{}).Where("status = ?", OutboxStatusPending).Count(&pending)
	if pending != 0 {
		t.Errorf("Expected no pending messages after drain, got %d", pending)
	}
	var sent int64
	db.Model(&OutboxMessage{}).Where("status = ?", OutboxStatusSent).Count(&sent)
	if sent != 2 {
		t.Errorf("Expected 2 sent messages, got %d", sent)
	}
}

func TestDrainPendingRetriesThenFails(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, EventPayoutFailed, "PO_1", map[string]string{"payout_id": "PO_1"})
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	dispatcher := NewDispatcher(db, producer, "settlement", time.Second, 100, 2)

	// First failed attempt keeps the message pending with a bumped count
	if err := dispatcher.drainPending(); err != nil {
		t.Fatalf("drainPending failed: %v", err)
	}
	var msg OutboxMessage
	db.First(&msg)
	if msg.Status != OutboxStatusPending || msg.RetryCount != 1 {
		t.Errorf("Expected pending with retry_count 1, got %s/%d", msg.Status, msg.RetryCount)
	}

	// Second failure exhausts maxRetry and parks the message
	if err := dispatcher.drainPending(); err != nil {
		t.Fatalf("drainPending failed: %v", err)
	}
	db.First(&msg)
	if msg.Status != OutboxStatusFailed {
		t.Errorf("Expected status %s after max retries, got %s", OutboxStatusFailed, msg.Status)
	}
}
