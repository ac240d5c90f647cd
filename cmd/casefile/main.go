package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/casefile-ai/casefile/internal/clock"
	"github.com/casefile-ai/casefile/internal/migration"
	"github.com/casefile-ai/casefile/internal/observability"
	"github.com/casefile-ai/casefile/internal/server"
	"github.com/casefile-ai/casefile/internal/sweeper"
	"github.com/casefile-ai/casefile/pkg/db"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		sweeper.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
