package paymentretry

import (
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/paymentretry/repository"
	"github.com/casefile-ai/casefile/internal/paymentretry/service"
)

var Module = fx.Module("paymentretry.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
