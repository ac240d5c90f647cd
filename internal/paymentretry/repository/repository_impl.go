package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/paymentretry/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.PaymentRetry, error) {
	var item domain.PaymentRetry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, payment_intent_id, package_id, attempts, status,
			error_message, last_attempt_at, next_retry_at, created_at, updated_at
		 FROM payment_retries
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, retry *domain.PaymentRetry) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_retries (
			id, user_id, payment_intent_id, package_id, attempts, status,
			error_message, last_attempt_at, next_retry_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_intent_id) DO NOTHING`,
		retry.ID,
		retry.UserID,
		retry.PaymentIntentID,
		retry.PackageID,
		retry.Attempts,
		string(retry.Status),
		retry.ErrorMessage,
		retry.LastAttemptAt,
		retry.NextRetryAt,
		retry.CreatedAt,
		retry.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.PaymentRetry, error) {
	var items []domain.PaymentRetry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, payment_intent_id, package_id, attempts, status,
			error_message, last_attempt_at, next_retry_at, created_at, updated_at
		 FROM payment_retries
		 WHERE status IN ('pending', 'retrying')
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC`,
		now,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.RetryStatus, now time.Time) (bool, error) {
	lease := now.Add(domain.ClaimLease)
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_retries
		 SET status = 'retrying', next_retry_at = ?, last_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		lease, now, now, id, string(from), now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, status domain.RetryStatus, nextRetryAt *time.Time, errorMessage string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_retries
		 SET attempts = ?, status = ?, next_retry_at = ?, error_message = ?,
			last_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, string(status), nextRetryAt, errorMessage, now, now, id,
	).Error
}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, paymentIntentID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_retries
		 SET status = 'succeeded', next_retry_at = NULL, updated_at = ?
		 WHERE payment_intent_id = ? AND status NOT IN ('succeeded', 'failed')`,
		now, paymentIntentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
