package investigation

import (
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/investigation/service"
	"github.com/casefile-ai/casefile/internal/investigation/stream"
)

var Module = fx.Module("investigation.service",
	fx.Provide(
		stream.NewHub,
		service.NewService,
	),
)
