package notification

import (
	"donation-reconciler/pkg/taskname"
	"donation-reconciler/services/receipt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

type handlerParams struct {
	fx.In
	Service   *Service
	Scheduler Scheduler
	Mux       *asynq.ServeMux `optional:"true"`
}

func registerHandlers(p handlerParams) {
	if local, ok := p.Scheduler.(*LocalScheduler); ok {
		local.Bind(p.Service.runScheduled)
	}
	if p.Mux != nil {
		p.Mux.HandleFunc(taskname.ReceiptEmailSend, p.Service.HandleSendTask)
	}
}

var Module = fx.Module("notification.service",
	fx.Provide(
		func(s *receipt.Service) Receipts { return s },
		ProvideScheduler,
		NewService,
	),
	fx.Invoke(registerHandlers),
)
