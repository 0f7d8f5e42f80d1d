package orchestrator

import (
	"donation-reconciler/services/commission"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/reconciliation"

	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.service",
	fx.Provide(
		func(s *commission.Service) Commissions { return s },
		func(s *receipt.Service) Receipts { return s },
		func(s *notification.Service) Dispatcher { return s },
		func(s *reconciliation.Service) Sweeper { return s },
		NewService,
	),
)

// HTTP mounts the webhook, receipt and operator routes on the shared engine.
var HTTP = fx.Module("orchestrator.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
