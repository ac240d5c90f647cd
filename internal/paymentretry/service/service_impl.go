package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/clock"
	"github.com/casefile-ai/casefile/internal/config"
	obsmetrics "github.com/casefile-ai/casefile/internal/observability/metrics"
	retrydomain "github.com/casefile-ai/casefile/internal/paymentretry/domain"
	"github.com/casefile-ai/casefile/internal/providers/email"
	providerpayment "github.com/casefile-ai/casefile/internal/providers/payment"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       retrydomain.Repository
	Provider   providerpayment.Client
	Email      email.Provider      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Cfg        config.Config
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       retrydomain.Repository
	provider   providerpayment.Client
	email      email.Provider
	obsMetrics *obsmetrics.Metrics
	alertsTo   string
}

func NewService(p Params) retrydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("paymentretry.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		provider:   p.Provider,
		email:      p.Email,
		obsMetrics: p.ObsMetrics,
		alertsTo:   p.Cfg.Email.AlertsTo,
	}
}

func (s *Service) HandlePaymentFailure(ctx context.Context, userID snowflake.ID, paymentIntentID, packageID, errorMessage string) error {
	if userID == 0 {
		return retrydomain.ErrInvalidUser
	}
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return retrydomain.ErrInvalidPaymentIntent
	}

	now := s.clock.Now()
	existing, err := s.repo.Find(ctx, s.db, paymentIntentID)
	if err != nil {
		return err
	}

	if existing == nil {
		next := now.Add(retrydomain.BackoffSchedule[0])
		inserted, err := s.repo.Insert(ctx, s.db, &retrydomain.PaymentRetry{
			ID:              s.genID.Generate(),
			UserID:          userID,
			PaymentIntentID: paymentIntentID,
			PackageID:       packageID,
			Attempts:        0,
			Status:          retrydomain.StatusPending,
			ErrorMessage:    errorMessage,
			NextRetryAt:     &next,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		if inserted {
			s.log.Info("payment retry scheduled",
				zap.String("payment_intent_id", paymentIntentID),
				zap.String("user_id", userID.String()),
				zap.Time("next_retry_at", next),
			)
			return nil
		}
		// Lost the insert race to a concurrent delivery; fall through to
		// the update path against the winner's row.
		existing, err = s.repo.Find(ctx, s.db, paymentIntentID)
		if err != nil {
			return err
		}
		if existing == nil {
			return retrydomain.ErrRetryNotFound
		}
	}

	if existing.Terminal() {
		s.log.Info("ignoring failure for terminal retry",
			zap.String("payment_intent_id", paymentIntentID),
			zap.String("status", string(existing.Status)),
		)
		return nil
	}

	return s.applyFailure(ctx, existing, errorMessage, now)
}

func (s *Service) ProcessRetry(ctx context.Context, retry retrydomain.PaymentRetry) (retrydomain.RetryStatus, error) {
	now := s.clock.Now()

	claimed, err := s.repo.Claim(ctx, s.db, retry.ID, retry.Status, now)
	if err != nil {
		return retry.Status, err
	}
	if !claimed {
		// Another sweep or webhook already owns this attempt.
		s.log.Debug("retry claim lost", zap.String("payment_intent_id", retry.PaymentIntentID))
		return retry.Status, nil
	}

	confirmErr := s.provider.ConfirmPaymentIntent(ctx, retry.PaymentIntentID)
	if confirmErr == nil {
		if _, err := s.repo.MarkSucceeded(ctx, s.db, retry.PaymentIntentID, s.clock.Now()); err != nil {
			return retrydomain.StatusRetrying, err
		}
		s.recordRetryOutcome("succeeded")
		s.log.Info("payment retry succeeded",
			zap.String("payment_intent_id", retry.PaymentIntentID),
			zap.Int("attempts", retry.Attempts+1),
		)
		return retrydomain.StatusSucceeded, nil
	}

	if providerpayment.IsTransient(confirmErr) {
		s.log.Warn("payment confirmation failed, provider fault",
			zap.String("payment_intent_id", retry.PaymentIntentID),
			zap.Error(confirmErr),
		)
	} else {
		// Waiting will not fix a declined card, but the schedule still
		// applies; surface these separately for operators.
		s.log.Error("payment confirmation rejected by provider",
			zap.String("payment_intent_id", retry.PaymentIntentID),
			zap.Error(confirmErr),
		)
	}

	retry.Status = retrydomain.StatusRetrying
	if err := s.applyFailure(ctx, &retry, confirmErr.Error(), s.clock.Now()); err != nil {
		return retrydomain.StatusRetrying, err
	}
	if retry.Attempts+1 >= retrydomain.MaxAttempts {
		return retrydomain.StatusFailed, nil
	}
	return retrydomain.StatusPending, nil
}

func (s *Service) ProcessAllPendingRetries(ctx context.Context) (retrydomain.SweepResult, error) {
	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, s.db, now)
	if err != nil {
		return retrydomain.SweepResult{}, err
	}

	result := retrydomain.SweepResult{}
	for _, retry := range due {
		status, err := s.ProcessRetry(ctx, retry)
		if err != nil {
			s.log.Error("retry processing failed",
				zap.String("payment_intent_id", retry.PaymentIntentID),
				zap.Error(err),
			)
			result.Pending++
			continue
		}
		result.Processed++
		switch status {
		case retrydomain.StatusSucceeded:
			result.Succeeded++
		case retrydomain.StatusFailed:
			result.Failed++
		default:
			result.Pending++
		}
	}

	s.log.Info("retry sweep complete",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
	)
	return result, nil
}

func (s *Service) MarkRetrySucceeded(ctx context.Context, paymentIntentID string) error {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return retrydomain.ErrInvalidPaymentIntent
	}

	updated, err := s.repo.MarkSucceeded(ctx, s.db, paymentIntentID, s.clock.Now())
	if err != nil {
		return err
	}
	if updated {
		s.recordRetryOutcome("succeeded")
		s.log.Info("payment retry resolved out-of-band", zap.String("payment_intent_id", paymentIntentID))
	}
	return nil
}

// applyFailure advances the backoff schedule for one recorded failure and
// finalizes the row once attempts are exhausted.
func (s *Service) applyFailure(ctx context.Context, retry *retrydomain.PaymentRetry, errorMessage string, now time.Time) error {
	attempts := retry.Attempts + 1
	if attempts >= retrydomain.MaxAttempts {
		if err := s.repo.RecordFailure(ctx, s.db, retry.ID, attempts, retrydomain.StatusFailed, nil, errorMessage, now); err != nil {
			return err
		}
		s.recordRetryOutcome("failed")
		s.log.Warn("payment retry exhausted",
			zap.String("payment_intent_id", retry.PaymentIntentID),
			zap.String("user_id", retry.UserID.String()),
			zap.Int("attempts", attempts),
		)
		retry.Attempts = attempts
		retry.ErrorMessage = errorMessage
		s.notifyTerminalFailure(*retry)
		return nil
	}

	next := now.Add(retrydomain.BackoffSchedule[attempts])
	if err := s.repo.RecordFailure(ctx, s.db, retry.ID, attempts, retrydomain.StatusPending, &next, errorMessage, now); err != nil {
		return err
	}
	s.recordRetryOutcome("rescheduled")
	return nil
}

// notifyTerminalFailure is best-effort: delivery problems are logged, never
// propagated into the retry state machine.
func (s *Service) notifyTerminalFailure(retry retrydomain.PaymentRetry) {
	if s.email == nil || s.alertsTo == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		subject := fmt.Sprintf("Payment failed after %d attempts", retrydomain.MaxAttempts)
		body := fmt.Sprintf(
			"<p>Payment intent %s for user %s (package %s) failed permanently: %s</p><p>The user should be contacted to update their payment method.</p>",
			retry.PaymentIntentID, retry.UserID.String(), retry.PackageID, retry.ErrorMessage,
		)
		if err := s.email.Send(ctx, []string{s.alertsTo}, subject, body); err != nil {
			s.log.Warn("payment failure notification not delivered",
				zap.String("payment_intent_id", retry.PaymentIntentID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) recordRetryOutcome(outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRetryOutcome(outcome)
	}
}
