package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventTypeCheckoutCompleted = "checkout.session.completed"
	EventTypePaymentFailed     = "payment_intent.payment_failed"
	EventTypePaymentSucceeded  = "payment_intent.succeeded"
)

var (
	// Rejected before any side effect; the caller answers 4xx.
	ErrMissingSecret    = errors.New("webhook_secret_missing")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")

	// Dispatch failure after verification; the caller answers 5xx so the
	// provider redelivers.
	ErrMissingMetadata    = errors.New("missing_event_metadata")
	ErrInvalidEventObject = errors.New("invalid_event_object")
)

// EventRecord stores every verified webhook delivery once. The unique
// (provider, provider_event_id) pair absorbs duplicate deliveries.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `gorm:"type:text;not null;index"`
	UserID          snowflake.ID   `gorm:"index"`
	Payload         datatypes.JSON `gorm:"not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

type Service interface {
	// IngestWebhook verifies, deduplicates and dispatches one provider
	// callback. Handlers behind it are idempotent; redelivery is safe.
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	// FindEvent loads the stored delivery for a provider event id, or nil
	// when none exists.
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
