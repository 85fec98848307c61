package auction

import (
	"errors"
	"time"

	"github.com/matandaelis/liveshop-settlement/internal/types"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("auction not found")
	ErrBidRace         = errors.New("bid lost the conditional update race")
	ErrStaleTransition = errors.New("auction status changed concurrently")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside a store transaction
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func (d *Database) CreateAuction(auction *Auction) error {
	return d.db.Create(auction).Error
}

func (d *Database) GetAuction(auctionID string) (*Auction, error) {
	var auction Auction
	if err := d.db.Where("auction_id = ?", auctionID).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &auction, nil
}

func (d *Database) GetProduct(productID string) (*types.Product, error) {
	var product types.Product
	if err := d.db.Where("product_id = ?", productID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

// ApplyBid commits an accepted bid: the high-bid update and the audit row
// land in one transaction, and the update is conditioned on the previous
// current bid the caller validated against. If a concurrent bid won the
// race RowsAffected comes back zero and nothing is written.
func (d *Database) ApplyBid(auction *Auction, bid *Bid) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Auction{}).
			Where("auction_id = ? AND status = ? AND current_bid_cents = ? AND closes_at > ?",
				auction.AuctionID, StatusOpen, auction.CurrentBidCents, time.Now()).
			Updates(map[string]interface{}{
				"current_bid_cents": bid.AmountCents,
				"highest_bidder_id": bid.BidderID,
				"version":           gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBidRace
		}

		return tx.Create(bid).Error
	})
}

// TransitionStatus moves the auction forward, conditioned on the expected
// current status so concurrent or repeated invocations settle exactly once
func (d *Database) TransitionStatus(tx *gorm.DB, auctionID, from, to string) error {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&Auction{}).
		Where("auction_id = ? AND status = ?", auctionID, from).
		Updates(map[string]interface{}{
			"status":  to,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (d *Database) GetBids(auctionID string) ([]Bid, error) {
	var bids []Bid
	// Insert order, not created_at: concurrent bids can share a timestamp
	if err := d.db.Where("auction_id = ?", auctionID).Order("id ASC").Find(&bids).Error; err != nil {
		return nil, err
	}
	return bids, nil
}

// GetUnsettledExpiredAuctions returns auctions whose close time has passed
// but that have not reached SETTLED. Includes CLOSED auctions so a close
// whose settlement transaction died gets picked up again.
func (d *Database) GetUnsettledExpiredAuctions(limit int) ([]Auction, error) {
	var auctions []Auction
	err := d.db.
		Where("status IN ? AND closes_at <= ?", []string{StatusOpen, StatusClosed}, time.Now()).
		Order("closes_at ASC").
		Limit(limit).
		Find(&auctions).Error
	if err != nil {
		return nil, err
	}
	return auctions, nil
}
