package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matandaelis/liveshop-settlement/internal/events"
	"github.com/matandaelis/liveshop-settlement/internal/ledger"
	"github.com/matandaelis/liveshop-settlement/internal/payments"
	"github.com/matandaelis/liveshop-settlement/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB, func()) {
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

	err = db.AutoMigrate(
		&types.Product{},
		&Auction{}, &Bid{},
		&ledger.SellerBalance{}, &ledger.Payout{}, &ledger.LedgerEntry{},
		&events.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test schema: %v", err)
	}

	ledgerService := ledger.NewService(db, payments.NewMockGateway(), 3, 2, time.Millisecond)
	service := NewService(db, ledgerService, events.NewPublisher(nil), 3)

	cleanup := func() {
		sqlDB.Close()
	}
	return service, ledgerService, db, cleanup
}

func seedProduct(t *testing.T, db *gorm.DB, productID, sellerID string) {
	product := &types.Product{
		ProductID:  productID,
		SellerID:   sellerID,
		ShowID:     "SHOW_1",
		Title:      "Test Drop",
		PriceCents: 2500,
		Stock:      10,
	}
	if err := db.Create(product).Error; err != nil {
		t.Fatalf("Failed to seed product: %v", err)
	}
}

func createTestAuction(t *testing.T, service *Service, db *gorm.DB, startingCents int64) *Auction {
	seedProduct(t, db, "PRD_1", "SELLER_1")
	auction, err := service.CreateAuction(&CreateAuctionRequest{
		ProductID:        "PRD_1",
		StartingBidCents: startingCents,
		DurationSeconds:  3600,
	})
	if err != nil {
		t.Fatalf("Failed to create auction: %v", err)
	}
	return auction
}

// expireAuction rewinds the close time so close paths can run
func expireAuction(t *testing.T, db *gorm.DB, auctionID string) {
	err := db.Model(&Auction{}).
		Where("auction_id = ?", auctionID).
		Update("closes_at", time.Now().Add(-time.Second)).Error
	if err != nil {
		t.Fatalf("Failed to expire auction: %v", err)
	}
}

func TestPlaceBidMonotonic(t *testing.T) {
	service, _, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	ctx := context.Background()

	// Bids below or equal to the current high are rejected
	if _, err := service.PlaceBid(ctx, auction.AuctionID, "BUYER_A", 1000); !errors.Is(err, ErrBidTooLow) {
		t.Errorf("Expected ErrBidTooLow for bid equal to starting bid, got %v", err)
	}

	bid, err := service.PlaceBid(ctx, auction.AuctionID, "BUYER_A", 1200)
	if err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}
	if bid.NewHighCents != 1200 {
		t.Errorf("Expected new high 1200, got %d", bid.NewHighCents)
	}

	if _, err := service.PlaceBid(ctx, auction.AuctionID, "BUYER_B", 1200); !errors.Is(err, ErrBidTooLow) {
		t.Errorf("Expected ErrBidTooLow for equal bid, got %v", err)
	}

	bid, err = service.PlaceBid(ctx, auction.AuctionID, "BUYER_B", 1500)
	if err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}

	current, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if current.CurrentBidCents != 1500 {
		t.Errorf("Expected current bid 1500, got %d", current.CurrentBidCents)
	}
	if current.HighestBidderID == nil || *current.HighestBidderID != "BUYER_B" {
		t.Errorf("Expected highest bidder BUYER_B, got %v", current.HighestBidderID)
	}
}

func TestPlaceBidOnMissingAuction(t *testing.T) {
	service, _, _, cleanup := setupTestService(t)
	defer cleanup()

	_, err := service.PlaceBid(context.Background(), "AUC_missing", "BUYER_A", 1000)
	if !errors.Is(err, ErrAuctionNotFound) {
		t.Errorf("Expected ErrAuctionNotFound, got %v", err)
	}
}

func TestPlaceBidAfterExpiryClosesLazily(t *testing.T) {
	service, _, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	if _, err := service.PlaceBid(context.Background(), auction.AuctionID, "BUYER_A", 1500); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}

	expireAuction(t, db, auction.AuctionID)

	_, err := service.PlaceBid(context.Background(), auction.AuctionID, "BUYER_B", 2000)
	if !errors.Is(err, ErrAuctionClosed) {
		t.Errorf("Expected ErrAuctionClosed after expiry, got %v", err)
	}

	// The late bid settled the auction on its way out
	settled, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if settled.Status != StatusSettled {
		t.Errorf("Expected status %s after lazy close, got %s", StatusSettled, settled.Status)
	}
	if settled.CurrentBidCents != 1500 {
		t.Errorf("Late bid must not change the final amount, got %d", settled.CurrentBidCents)
	}
}

func TestCloseAuctionBeforeExpiryRejected(t *testing.T) {
	service, _, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	if _, err := service.CloseAuction(auction.AuctionID); err == nil {
		t.Error("Expected close before expiry to be rejected")
	}
}

func TestCloseAuctionSettlesExactlyOnce(t *testing.T) {
	service, ledgerService, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	if _, err := service.PlaceBid(context.Background(), auction.AuctionID, "BUYER_A", 2500); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}

	expireAuction(t, db, auction.AuctionID)

	settled, err := service.CloseAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("CloseAuction failed: %v", err)
	}
	if settled.Status != StatusSettled {
		t.Errorf("Expected status %s, got %s", StatusSettled, settled.Status)
	}

	balance, err := ledgerService.GetBalance("SELLER_1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.PendingCents != 2500 {
		t.Errorf("Expected seller pending 2500, got %d", balance.PendingCents)
	}

	// Closing again must not re-credit
	if _, err := service.CloseAuction(auction.AuctionID); err != nil {
		t.Fatalf("Repeated close should succeed: %v", err)
	}
	balance, _ = ledgerService.GetBalance("SELLER_1")
	if balance.PendingCents != 2500 {
		t.Errorf("Expected seller pending still 2500 after re-close, got %d", balance.PendingCents)
	}
}

func TestCloseAuctionWithoutBids(t *testing.T) {
	service, ledgerService, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	expireAuction(t, db, auction.AuctionID)

	settled, err := service.CloseAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("CloseAuction failed: %v", err)
	}
	if settled.Status != StatusSettled {
		t.Errorf("Expected status %s, got %s", StatusSettled, settled.Status)
	}
	if settled.HighestBidderID != nil {
		t.Errorf("Expected no winner, got %v", *settled.HighestBidderID)
	}

	balance, err := ledgerService.GetBalance("SELLER_1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.PendingCents != 0 {
		t.Errorf("No-bid auction must not credit the seller, got pending %d", balance.PendingCents)
	}
}

func TestGetAuctionClosesExpiredLazily(t *testing.T) {
	service, _, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	expireAuction(t, db, auction.AuctionID)

	read, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if read.Status != StatusSettled {
		t.Errorf("Expected lazy close to settle the auction, got status %s", read.Status)
	}
}

func TestConcurrentBidsStayMonotonic(t *testing.T) {
	service, _, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var acceptedMax int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			amount := int64(200 + n*100)
			bid, err := service.PlaceBid(ctx, auction.AuctionID, fmt.Sprintf("BUYER_%d", n), amount)
			if err != nil {
				return
			}
			mu.Lock()
			if bid.NewHighCents > acceptedMax {
				acceptedMax = bid.NewHighCents
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	final, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if final.CurrentBidCents != acceptedMax {
		t.Errorf("Final bid %d does not match highest accepted bid %d",
			final.CurrentBidCents, acceptedMax)
	}

	// The audit log must be strictly increasing in placement order
	bids, err := service.GetBids(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetBids failed: %v", err)
	}
	if len(bids) == 0 {
		t.Fatal("Expected at least one accepted bid")
	}
	prev := int64(0)
	for _, bid := range bids {
		if bid.AmountCents <= prev {
			t.Errorf("Bid history not strictly increasing: %d after %d", bid.AmountCents, prev)
		}
		prev = bid.AmountCents
	}
	if bids[len(bids)-1].AmountCents != final.CurrentBidCents {
		t.Errorf("Last accepted bid %d does not match final amount %d",
			bids[len(bids)-1].AmountCents, final.CurrentBidCents)
	}
}

// A close that committed OPEN -> CLOSED but died before settling must not
// strand the auction. Both the background sweep and the read path have to
// drive it through settlement so the seller's credit eventually lands.
func TestInterruptedSettlementIsRecovered(t *testing.T) {
	service, ledgerService, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	ctx := context.Background()

	if _, err := service.PlaceBid(ctx, auction.AuctionID, "BUYER_A", 2500); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}

	// Simulate a worker dying between the close and the settlement
	// transaction: the status flip committed, the credit never did.
	expireAuction(t, db, auction.AuctionID)
	if err := service.GetDB().TransitionStatus(nil, auction.AuctionID, StatusOpen, StatusClosed); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}

	stranded, err := service.GetDB().GetUnsettledExpiredAuctions(10)
	if err != nil {
		t.Fatalf("GetUnsettledExpiredAuctions failed: %v", err)
	}
	if len(stranded) != 1 || stranded[0].AuctionID != auction.AuctionID {
		t.Fatalf("Expected the half-settled auction in the sweep, got %d rows", len(stranded))
	}

	processor := NewProcessor(service, time.Minute)
	if err := processor.closeExpired(); err != nil {
		t.Fatalf("closeExpired failed: %v", err)
	}

	final, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if final.Status != StatusSettled {
		t.Errorf("Expected status %s after sweep, got %s", StatusSettled, final.Status)
	}

	balance, err := ledgerService.GetBalance("SELLER_1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.PendingCents != 2500 {
		t.Errorf("Expected pending balance 2500 after recovery, got %d", balance.PendingCents)
	}
}

func TestGetAuctionSettlesStrandedClosedAuction(t *testing.T) {
	service, ledgerService, db, cleanup := setupTestService(t)
	defer cleanup()

	auction := createTestAuction(t, service, db, 1000)
	ctx := context.Background()

	if _, err := service.PlaceBid(ctx, auction.AuctionID, "BUYER_A", 1800); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}

	expireAuction(t, db, auction.AuctionID)
	if err := service.GetDB().TransitionStatus(nil, auction.AuctionID, StatusOpen, StatusClosed); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}

	// A plain read must finish the settlement, not report CLOSED forever
	current, err := service.GetAuction(auction.AuctionID)
	if err != nil {
		t.Fatalf("GetAuction failed: %v", err)
	}
	if current.Status != StatusSettled {
		t.Errorf("Expected read to settle the auction, got status %s", current.Status)
	}

	balance, err := ledgerService.GetBalance("SELLER_1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.PendingCents != 1800 {
		t.Errorf("Expected pending balance 1800, got %d", balance.PendingCents)
	}
}
