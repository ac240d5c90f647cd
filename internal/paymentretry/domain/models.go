package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RetryStatus string

const (
	StatusPending   RetryStatus = "pending"
	StatusRetrying  RetryStatus = "retrying"
	StatusSucceeded RetryStatus = "succeeded"
	StatusFailed    RetryStatus = "failed"
)

// MaxAttempts caps provider confirmation attempts per payment intent.
const MaxAttempts = 3

// ClaimLease is how far a claim pushes next_retry_at so overlapping sweeps
// cannot re-list an in-flight row. The outcome update that follows the
// provider call replaces it.
const ClaimLease = 15 * time.Minute

// BackoffSchedule is fixed, not exponential: the n-th failure schedules the
// next attempt Schedule[n] after now.
var BackoffSchedule = [MaxAttempts]time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidPaymentIntent = errors.New("invalid_payment_intent")
	ErrRetryNotFound        = errors.New("retry_not_found")
)

// PaymentRetry tracks one failed payment intent through its retry lifecycle.
// Terminal rows (succeeded, failed) keep next_retry_at null.
type PaymentRetry struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	UserID          snowflake.ID `gorm:"not null;index"`
	PaymentIntentID string       `gorm:"type:text;not null;uniqueIndex:ux_payment_retries_intent"`
	PackageID       string       `gorm:"type:text;not null"`
	Attempts        int          `gorm:"not null;default:0"`
	Status          RetryStatus  `gorm:"type:text;not null;index"`
	ErrorMessage    string       `gorm:"type:text"`
	LastAttemptAt   *time.Time
	NextRetryAt     *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentRetry) TableName() string { return "payment_retries" }

// Terminal reports whether the retry reached a final state.
func (r PaymentRetry) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// SweepResult summarizes one ProcessAllPendingRetries pass.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type Service interface {
	// HandlePaymentFailure records a provider-reported failure, creating the
	// retry row on first sight and advancing the backoff schedule afterwards.
	HandlePaymentFailure(ctx context.Context, userID snowflake.ID, paymentIntentID, packageID, errorMessage string) error

	// ProcessRetry claims one due retry and asks the provider to confirm the
	// intent. Claim losses (another worker got there first) are not errors.
	ProcessRetry(ctx context.Context, retry PaymentRetry) (RetryStatus, error)

	// ProcessAllPendingRetries processes every retry whose next_retry_at has
	// passed and returns outcome counts.
	ProcessAllPendingRetries(ctx context.Context) (SweepResult, error)

	// MarkRetrySucceeded resolves a retry out-of-band, e.g. when the provider
	// reports success through a webhook. No-op when already terminal.
	MarkRetrySucceeded(ctx context.Context, paymentIntentID string) error
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, paymentIntentID string) (*PaymentRetry, error)
	Insert(ctx context.Context, db *gorm.DB, retry *PaymentRetry) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time) ([]PaymentRetry, error)
	// Claim transitions a row to retrying iff its status still matches the
	// caller's snapshot, leasing it by pushing next_retry_at to
	// now+ClaimLease. Returns false when another worker won the claim.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from RetryStatus, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, status RetryStatus, nextRetryAt *time.Time, errorMessage string, now time.Time) error
	MarkSucceeded(ctx context.Context, db *gorm.DB, paymentIntentID string, now time.Time) (bool, error)
}
