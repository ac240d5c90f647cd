package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var ErrInvalidConfig = errors.New("invalid_provider_config")

// CheckoutRequest describes a hosted checkout session for one credit package.
type CheckoutRequest struct {
	UserID    snowflake.ID
	PackageID string
	Credits   int64
	// UnitAmount is the package price in the currency's minor unit.
	UnitAmount int64
	Currency   string
	Name       string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Client is the outbound payment-provider surface. One handle is constructed
// at process start and injected wherever provider calls are made.
type Client interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	ConfirmPaymentIntent(ctx context.Context, paymentIntentID string) error
}

// ProviderError distinguishes faults worth retrying (network, rate limit,
// provider 5xx) from ones that are not (card declined).
type ProviderError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// IsTransient reports whether err is a provider fault that may succeed later.
// Unrecognized errors (network failures, timeouts) are treated as transient.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
