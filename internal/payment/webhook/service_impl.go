package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/clock"
	"github.com/casefile-ai/casefile/internal/config"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	obsmetrics "github.com/casefile-ai/casefile/internal/observability/metrics"
	paymentdomain "github.com/casefile-ai/casefile/internal/payment/domain"
	retrydomain "github.com/casefile-ai/casefile/internal/paymentretry/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	RetrySvc   retrydomain.Service
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Cfg        config.Config
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	ledgerSvc     ledgerdomain.Service
	retrySvc      retrydomain.Service
	repo          paymentdomain.Repository
	obsMetrics    *obsmetrics.Metrics
	webhookSecret string
	expiryMonths  int
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		ledgerSvc:     p.LedgerSvc,
		retrySvc:      p.RetrySvc,
		repo:          p.Repo,
		obsMetrics:    p.ObsMetrics,
		webhookSecret: strings.TrimSpace(p.Cfg.StripeWebhookSecret),
		expiryMonths:  p.Cfg.CreditExpiryMonths,
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if s.webhookSecret == "" {
		return paymentdomain.ErrMissingSecret
	}
	if err := verifySignature(s.webhookSecret, payload, headers, s.clock.Now()); err != nil {
		s.recordWebhookEvent("unknown", "rejected")
		return err
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return paymentdomain.ErrInvalidEvent
	}

	record := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        "stripe",
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         payload,
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, record.Provider, event.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.ProcessedAt != nil {
			s.recordWebhookEvent(event.Type, "duplicate")
			s.log.Info("duplicate webhook delivery ignored",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			return nil
		}
		// Recorded but never processed: the earlier delivery failed in
		// dispatch, so this redelivery must run the handlers again. They
		// are idempotent, replaying a half-applied event is safe.
		if existing != nil {
			record.ID = existing.ID
		}
		s.log.Info("redispatching unprocessed webhook delivery",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
	}

	if err := s.dispatch(ctx, event); err != nil {
		s.recordWebhookEvent(event.Type, "error")
		s.log.Error("webhook dispatch failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		s.log.Warn("could not mark webhook event processed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	s.recordWebhookEvent(event.Type, "ok")
	return nil
}

func (s *Service) dispatch(ctx context.Context, event stripeEvent) error {
	switch strings.TrimSpace(event.Type) {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case paymentdomain.EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	default:
		// Acknowledge so the provider stops redelivering.
		s.log.Info("unhandled webhook event type", zap.String("event_type", event.Type))
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripeEvent) error {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return paymentdomain.ErrInvalidEventObject
	}

	userID, err := metadataUserID(session.Metadata)
	if err != nil {
		return err
	}
	credits, err := metadataCredits(session.Metadata)
	if err != nil {
		return err
	}

	paymentID := strings.TrimSpace(session.PaymentIntent)
	if paymentID == "" {
		paymentID = strings.TrimSpace(session.ID)
	}
	if paymentID == "" {
		return paymentdomain.ErrMissingMetadata
	}

	expiresAt := s.clock.Now().AddDate(0, s.expiryMonths, 0)
	if err := s.ledgerSvc.AddCredits(ctx, userID, credits, ledgerdomain.SourcePurchase, paymentID, &expiresAt); err != nil {
		return err
	}

	s.log.Info("checkout completed, credits granted",
		zap.String("user_id", userID.String()),
		zap.Int64("credits", credits),
		zap.String("payment_id", paymentID),
		zap.String("package_id", session.Metadata["package_id"]),
	)
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event stripeEvent) error {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return paymentdomain.ErrInvalidEventObject
	}

	userID, err := metadataUserID(intent.Metadata)
	if err != nil {
		// No user to retry for; acknowledge rather than loop on
		// redelivery forever.
		s.log.Warn("payment failure without user metadata",
			zap.String("payment_intent_id", intent.ID),
		)
		return nil
	}

	message := "payment failed"
	if intent.LastPaymentError != nil {
		message = intent.LastPaymentError.Message
		if message == "" {
			message = intent.LastPaymentError.Code
		}
	}

	return s.retrySvc.HandlePaymentFailure(ctx, userID, intent.ID, intent.Metadata["package_id"], message)
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event stripeEvent) error {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return paymentdomain.ErrInvalidEventObject
	}
	if strings.TrimSpace(intent.ID) == "" {
		return paymentdomain.ErrInvalidEvent
	}
	return s.retrySvc.MarkRetrySucceeded(ctx, intent.ID)
}

func metadataUserID(metadata map[string]string) (snowflake.ID, error) {
	raw := strings.TrimSpace(metadata["user_id"])
	if raw == "" {
		return 0, paymentdomain.ErrMissingMetadata
	}
	userID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, paymentdomain.ErrMissingMetadata
	}
	return userID, nil
}

func metadataCredits(metadata map[string]string) (int64, error) {
	raw := strings.TrimSpace(metadata["credits"])
	if raw == "" {
		return 0, paymentdomain.ErrMissingMetadata
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return 0, paymentdomain.ErrMissingMetadata
	}
	return credits, nil
}

func (s *Service) recordWebhookEvent(eventType, result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(eventType, result)
	}
}
