package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbook/internal/clock"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/migration"
	"github.com/smallbiznis/slotbook/internal/observability"
	"github.com/smallbiznis/slotbook/internal/scheduler"
	"github.com/smallbiznis/slotbook/internal/server"
	"github.com/smallbiznis/slotbook/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the ID node for this process from NODE_ID.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
