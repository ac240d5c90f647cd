package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditSource identifies how a credit batch entered the ledger.
type CreditSource string

const (
	SourcePurchase CreditSource = "purchase"
	SourceBonus    CreditSource = "bonus"
	SourceRefund   CreditSource = "refund"
)

// TransactionType classifies ledger transaction rows.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionRefund   TransactionType = "refund"
)

// CreditBatch is a block of prepaid credits for one user. amount_remaining
// stays within [0, amount_total]; batches are exhausted or expired, never
// deleted.
type CreditBatch struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	UserID          snowflake.ID `gorm:"not null;index"`
	AmountTotal     int64        `gorm:"not null"`
	AmountRemaining int64        `gorm:"not null"`
	Source          CreditSource `gorm:"type:text;not null"`
	ExpiresAt       *time.Time   `gorm:"index"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBatch) TableName() string { return "credit_batches" }

// CreditTransaction is the append-only audit log for every ledger mutation.
// Amount is signed: positive for purchase/refund, negative for usage.
type CreditTransaction struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	UserID      snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_credit_tx_user_type_ref,priority:1"`
	Type        TransactionType `gorm:"type:text;not null;uniqueIndex:ux_credit_tx_user_type_ref,priority:2"`
	Amount      int64           `gorm:"not null"`
	ReferenceID string          `gorm:"type:text;not null;uniqueIndex:ux_credit_tx_user_type_ref,priority:3"`
	Description string          `gorm:"type:text"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// Service owns the per-user credit balance.
type Service interface {
	// HasCredits reports whether the user holds at least one unexpired credit.
	HasCredits(ctx context.Context, userID snowflake.ID) (bool, error)

	// DeductCredits atomically consumes amount credits from the user's
	// unexpired batches, earliest expiry first. It returns false with no
	// mutation when the balance is insufficient.
	DeductCredits(ctx context.Context, userID snowflake.ID, amount int64, referenceID, description string) (bool, error)

	// RefundCredits returns amount credits to the user in a fresh batch.
	// Idempotent per referenceID.
	RefundCredits(ctx context.Context, userID snowflake.ID, amount int64, referenceID, reason string) error

	// AddCredits grants a new batch, typically from a completed purchase.
	// Idempotent per paymentID.
	AddCredits(ctx context.Context, userID snowflake.ID, amount int64, source CreditSource, paymentID string, expiresAt *time.Time) error

	// GetBalance returns the sum of unexpired remaining credits.
	GetBalance(ctx context.Context, userID snowflake.ID) (int64, error)

	// ListActiveBatches returns the user's unexpired batches with credits
	// remaining, ordered by expiry (soonest first, never-expiring last).
	ListActiveBatches(ctx context.Context, userID snowflake.ID) ([]CreditBatch, error)
}
