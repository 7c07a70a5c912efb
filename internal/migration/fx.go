package migration

import (
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !cfg.Migrate {
			log.Info("migrations disabled")
			return nil
		}
		if !db.IsPostgres(conn) {
			log.Info("skipping migrations for non-postgres dialect", zap.String("dialect", conn.Dialector.Name()))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema up to date", zap.Uint("version", version))
		return nil
	}),
)
