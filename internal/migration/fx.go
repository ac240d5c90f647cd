package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/config"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The embedded migrations are written for postgres; test setups on
		// sqlite create their schema inline.
		if cfg.DBType != "postgres" {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
