package ledger

import (
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/ledger/service"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
