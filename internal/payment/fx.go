package payment

import (
	"github.com/smallbiznis/entitle/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(
		service.NewService,
		service.NewWebhook,
	),
)
