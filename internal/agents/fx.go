package agents

import "go.uber.org/fx"

var Module = fx.Module("agents",
	fx.Provide(
		NewLLM,
		Pipeline,
	),
)
