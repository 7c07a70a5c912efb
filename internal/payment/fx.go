package payment

import (
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/payment/adapters"
	"github.com/smallbiznis/slotbook/internal/payment/adapters/stripe"
	"github.com/smallbiznis/slotbook/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewAdapter(cfg),
		)
	}),
	fx.Provide(webhook.NewService),
)
