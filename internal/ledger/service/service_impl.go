package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/clock"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	obsmetrics "github.com/casefile-ai/casefile/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// errInsufficientFunds aborts the deduction transaction without being
// surfaced to callers; DeductCredits maps it to ok=false.
var errInsufficientFunds = errors.New("insufficient_funds")

func (s *Service) HasCredits(ctx context.Context, userID snowflake.ID) (bool, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= 1, nil
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (int64, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrInvalidUser
	}

	var balance int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_remaining), 0)
		 FROM credit_batches
		 WHERE user_id = ?
		   AND amount_remaining > 0
		   AND (expires_at IS NULL OR expires_at > ?)`,
		userID,
		s.clock.Now(),
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Service) ListActiveBatches(ctx context.Context, userID snowflake.ID) ([]ledgerdomain.CreditBatch, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}

	var batches []ledgerdomain.CreditBatch
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, amount_total, amount_remaining, source, expires_at, created_at
		 FROM credit_batches
		 WHERE user_id = ?
		   AND amount_remaining > 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC`,
		userID,
		s.clock.Now(),
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Service) DeductCredits(ctx context.Context, userID snowflake.ID, amount int64, referenceID, description string) (bool, error) {
	if userID == 0 {
		return false, ledgerdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return false, ledgerdomain.ErrInvalidReferenceID
	}

	deducted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		// The unique (user_id, type, reference_id) index makes the usage
		// row the dedupe anchor: a duplicate call sees zero rows inserted
		// and leaves the batches untouched.
		result := tx.Exec(
			`INSERT INTO credit_transactions (
				id, user_id, type, amount, reference_id, description, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, type, reference_id) DO NOTHING`,
			s.genID.Generate(),
			userID,
			string(ledgerdomain.TransactionUsage),
			-amount,
			referenceID,
			description,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			deducted = true
			return nil
		}

		batches, err := s.lockSpendableBatches(tx, userID, now)
		if err != nil {
			return err
		}

		remaining := amount
		for _, batch := range batches {
			if remaining == 0 {
				break
			}
			take := batch.AmountRemaining
			if take > remaining {
				take = remaining
			}
			res := tx.Exec(
				`UPDATE credit_batches
				 SET amount_remaining = amount_remaining - ?
				 WHERE id = ? AND amount_remaining >= ?`,
				take, batch.ID, take,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errInsufficientFunds
			}
			remaining -= take
		}
		if remaining > 0 {
			return errInsufficientFunds
		}

		deducted = true
		return nil
	})
	if errors.Is(err, errInsufficientFunds) {
		s.recordLedgerOp("deduct", "insufficient_funds")
		return false, nil
	}
	if err != nil {
		s.recordLedgerOp("deduct", "error")
		return false, err
	}
	s.recordLedgerOp("deduct", "ok")
	return deducted, nil
}

func (s *Service) RefundCredits(ctx context.Context, userID snowflake.ID, amount int64, referenceID, reason string) error {
	if userID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return ledgerdomain.ErrInvalidReferenceID
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.Exec(
			`INSERT INTO credit_transactions (
				id, user_id, type, amount, reference_id, description, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, type, reference_id) DO NOTHING`,
			s.genID.Generate(),
			userID,
			string(ledgerdomain.TransactionRefund),
			amount,
			referenceID,
			reason,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Exec(
			`INSERT INTO credit_batches (
				id, user_id, amount_total, amount_remaining, source, expires_at, created_at
			) VALUES (?, ?, ?, ?, ?, NULL, ?)`,
			s.genID.Generate(),
			userID,
			amount,
			amount,
			string(ledgerdomain.SourceRefund),
			now,
		).Error
	})
	if err != nil {
		s.recordLedgerOp("refund", "error")
		return err
	}
	if applied {
		s.recordLedgerOp("refund", "ok")
		s.log.Info("credits refunded",
			zap.String("user_id", userID.String()),
			zap.Int64("amount", amount),
			zap.String("reference_id", referenceID),
			zap.String("reason", reason),
		)
	} else {
		s.recordLedgerOp("refund", "duplicate")
	}
	return nil
}

func (s *Service) AddCredits(ctx context.Context, userID snowflake.ID, amount int64, source ledgerdomain.CreditSource, paymentID string, expiresAt *time.Time) error {
	if userID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return ledgerdomain.ErrInvalidReferenceID
	}
	switch source {
	case ledgerdomain.SourcePurchase, ledgerdomain.SourceBonus, ledgerdomain.SourceRefund:
	default:
		return ledgerdomain.ErrInvalidSource
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.Exec(
			`INSERT INTO credit_transactions (
				id, user_id, type, amount, reference_id, description, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, type, reference_id) DO NOTHING`,
			s.genID.Generate(),
			userID,
			string(ledgerdomain.TransactionPurchase),
			amount,
			paymentID,
			"Credit purchase",
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Exec(
			`INSERT INTO credit_batches (
				id, user_id, amount_total, amount_remaining, source, expires_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			userID,
			amount,
			amount,
			string(source),
			expiresAt,
			now,
		).Error
	})
	if err != nil {
		s.recordLedgerOp("add", "error")
		return err
	}
	if applied {
		s.recordLedgerOp("add", "ok")
	} else {
		s.recordLedgerOp("add", "duplicate")
		s.log.Info("duplicate credit grant ignored",
			zap.String("user_id", userID.String()),
			zap.String("payment_id", paymentID),
		)
	}
	return nil
}

type spendableBatch struct {
	ID              snowflake.ID
	AmountRemaining int64
}

// lockSpendableBatches returns unexpired batches with credit left, earliest
// expiry first so credits closest to expiring are burned first.
func (s *Service) lockSpendableBatches(tx *gorm.DB, userID snowflake.ID, now time.Time) ([]spendableBatch, error) {
	query := `SELECT id, amount_remaining
		 FROM credit_batches
		 WHERE user_id = ?
		   AND amount_remaining > 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var batches []spendableBatch
	if err := tx.Raw(query, userID, now).Scan(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Service) recordLedgerOp(operation, result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerOp(operation, result)
	}
}
