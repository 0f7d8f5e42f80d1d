package reconciliation

import (
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"

	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(
		func(s *ledger.Service) Donations { return s },
		func(s *receipt.Service) Issuer { return s },
		func(s *commission.Service) Commissions { return s },
		func(s *notification.Service) Dispatcher { return s },
		NewService,
	),
)

// Scheduler adds the periodic sweeper to long-running processes.
var Scheduler = fx.Module("reconciliation.scheduler",
	fx.Invoke(registerRunner),
)
