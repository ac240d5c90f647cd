package payment

import (
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/payment/repository"
	"github.com/casefile-ai/casefile/internal/payment/webhook"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(
		repository.Provide,
		webhook.NewService,
	),
)
