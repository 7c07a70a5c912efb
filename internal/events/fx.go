package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/slotbook/pkg/telemetry"
	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewPublisher),
	fx.Provide(func() *telemetry.OutboxMetrics {
		return telemetry.NewOutboxMetrics(prometheus.DefaultRegisterer)
	}),
	fx.Provide(NewDispatcher),
)
