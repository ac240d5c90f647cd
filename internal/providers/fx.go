package providers

import (
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/providers/email"
	"github.com/casefile-ai/casefile/internal/providers/payment"
)

var Module = fx.Module("providers",
	email.Module,
	payment.Module,
)
