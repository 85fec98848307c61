package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound    = errors.New("seller balance not found")
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrStaleBalance       = errors.New("balance changed concurrently")
	ErrNotEnoughAvailable = errors.New("available balance below requested amount")
	ErrNotEnoughPending   = errors.New("pending balance below requested amount")
	ErrDuplicateReference = errors.New("ledger reference already applied")
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

func (d *Database) GetBalance(sellerID string) (*SellerBalance, error) {
	var balance SellerBalance
	if err := d.db.Where("seller_id = ?", sellerID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreateBalance lazily creates the seller's balance row on first touch
func (d *Database) GetOrCreateBalance(tx *gorm.DB, sellerID string) (*SellerBalance, error) {
	if tx == nil {
		tx = d.db
	}

	newBalance := &SellerBalance{SellerID: sellerID}
	err := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "seller_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	var balance SellerBalance
	if err := tx.Where("seller_id = ?", sellerID).First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

// ApplyCredit adds amount to the given bucket and to total_earned. Additive
// updates are applied by the store atomically, so no prior-value condition
// is needed here.
func (d *Database) ApplyCredit(tx *gorm.DB, sellerID string, amountCents int64, bucket string) error {
	if tx == nil {
		tx = d.db
	}

	column := "pending_cents"
	if bucket == BucketAvailable {
		column = "available_cents"
	}

	result := tx.Model(&SellerBalance{}).
		Where("seller_id = ?", sellerID).
		Updates(map[string]interface{}{
			column:               gorm.Expr(column+" + ?", amountCents),
			"total_earned_cents": gorm.Expr("total_earned_cents + ?", amountCents),
			"version":            gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// MovePendingToAvailable shifts funds between buckets, conditioned on the
// pending balance still covering the amount at write time
func (d *Database) MovePendingToAvailable(tx *gorm.DB, sellerID string, amountCents int64) error {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&SellerBalance{}).
		Where("seller_id = ? AND pending_cents >= ?", sellerID, amountCents).
		Updates(map[string]interface{}{
			"pending_cents":   gorm.Expr("pending_cents - ?", amountCents),
			"available_cents": gorm.Expr("available_cents + ?", amountCents),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		balance, err := d.txGetBalance(tx, sellerID)
		if err != nil {
			return err
		}
		if balance.PendingCents < amountCents {
			return ErrNotEnoughPending
		}
		return ErrStaleBalance
	}

	return nil
}

// DebitAvailable removes amount from available and adds it to
// total_withdrawn, conditioned on the available balance covering the amount
// and the row version matching the read the caller decided on. RowsAffected
// of zero is disambiguated into insufficient funds versus a lost race.
func (d *Database) DebitAvailable(tx *gorm.DB, sellerID string, amountCents int64, version int) error {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&SellerBalance{}).
		Where("seller_id = ? AND available_cents >= ? AND version = ?", sellerID, amountCents, version).
		Updates(map[string]interface{}{
			"available_cents":       gorm.Expr("available_cents - ?", amountCents),
			"total_withdrawn_cents": gorm.Expr("total_withdrawn_cents + ?", amountCents),
			"version":               gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		balance, err := d.txGetBalance(tx, sellerID)
		if err != nil {
			return err
		}
		if balance.AvailableCents < amountCents {
			return ErrNotEnoughAvailable
		}
		return ErrStaleBalance
	}

	return nil
}

// ReverseDebit compensates a committed payout debit after a failed transfer
func (d *Database) ReverseDebit(tx *gorm.DB, sellerID string, amountCents int64) error {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&SellerBalance{}).
		Where("seller_id = ?", sellerID).
		Updates(map[string]interface{}{
			"available_cents":       gorm.Expr("available_cents + ?", amountCents),
			"total_withdrawn_cents": gorm.Expr("total_withdrawn_cents - ?", amountCents),
			"version":               gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// SetPayoutDestination records the seller's connected transfer destination
func (d *Database) SetPayoutDestination(sellerID, destination string) error {
	result := d.db.Model(&SellerBalance{}).
		Where("seller_id = ?", sellerID).
		Update("payout_destination", destination)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// CreateEntry appends an audit entry. The unique reference makes the write
// idempotent: a second attempt with the same reference reports
// ErrDuplicateReference and must not mutate any balance.
func (d *Database) CreateEntry(tx *gorm.DB, entry *LedgerEntry) error {
	if tx == nil {
		tx = d.db
	}

	var count int64
	if err := tx.Model(&LedgerEntry{}).Where("reference = ?", entry.Reference).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateReference
	}

	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (d *Database) GetEntriesBySeller(sellerID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := d.db.Where("seller_id = ?", sellerID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) CreatePayout(tx *gorm.DB, payout *Payout) error {
	if tx == nil {
		tx = d.db
	}
	return tx.Create(payout).Error
}

func (d *Database) GetPayout(payoutID string) (*Payout, error) {
	var payout Payout
	if err := d.db.Where("payout_id = ?", payoutID).First(&payout).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (d *Database) ListPayouts(sellerID string) ([]Payout, error) {
	var payouts []Payout
	if err := d.db.Where("seller_id = ?", sellerID).Order("created_at DESC").Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

// TransitionPayoutStatus moves a payout forward, conditioned on the current
// status so replays are no-ops
func (d *Database) TransitionPayoutStatus(tx *gorm.DB, payoutID, from, to string, transferRef string) error {
	if tx == nil {
		tx = d.db
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if transferRef != "" {
		updates["transfer_ref"] = transferRef
	}

	result := tx.Model(&Payout{}).
		Where("payout_id = ? AND status = ?", payoutID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleBalance
	}
	return nil
}

// MarkPayoutReversed flips the reversed flag exactly once
func (d *Database) MarkPayoutReversed(tx *gorm.DB, payoutID string) (bool, error) {
	if tx == nil {
		tx = d.db
	}

	result := tx.Model(&Payout{}).
		Where("payout_id = ? AND reversed = ?", payoutID, false).
		Update("reversed", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetStaleProcessingPayouts returns payouts that have sat in PROCESSING past
// the cutoff. A crash between the committed debit and the transfer call
// leaves the payout in this state with nobody driving it.
func (d *Database) GetStaleProcessingPayouts(cutoff time.Time, limit int) ([]Payout, error) {
	var payouts []Payout
	err := d.db.
		Where("status = ? AND updated_at <= ?", PayoutStatusProcessing, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&payouts).Error
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

// GetUnreversedFailedPayouts returns failed payouts whose debit still needs
// the compensating reversal
func (d *Database) GetUnreversedFailedPayouts(limit int) ([]Payout, error) {
	var payouts []Payout
	err := d.db.
		Where("status = ? AND reversed = ?", PayoutStatusFailed, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&payouts).Error
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

func (d *Database) txGetBalance(tx *gorm.DB, sellerID string) (*SellerBalance, error) {
	var balance SellerBalance
	if err := tx.Where("seller_id = ?", sellerID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}
