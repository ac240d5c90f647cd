package payment

import (
	"github.com/casefile-ai/casefile/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Client {
	return NewStripeClient(StripeConfig{
		APIKey:     cfg.StripeAPIKey,
		SuccessURL: cfg.StripeSuccessURL,
		CancelURL:  cfg.StripeCancelURL,
	})
}
