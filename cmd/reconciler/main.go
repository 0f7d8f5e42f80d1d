package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db"
	"donation-reconciler/pkg/featureflags"
	"donation-reconciler/pkg/gen"
	"donation-reconciler/pkg/hashistack/secretmanager"
	"donation-reconciler/pkg/health"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/logger"
	"donation-reconciler/pkg/mailer"
	"donation-reconciler/pkg/minio"
	"donation-reconciler/pkg/otelcol"
	"donation-reconciler/pkg/profiling"
	"donation-reconciler/pkg/redis"
	"donation-reconciler/pkg/sequence"
	"donation-reconciler/pkg/server"
	"donation-reconciler/pkg/task"
	"donation-reconciler/services/bootstrap"
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/orchestrator"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/reconciliation"
	"donation-reconciler/services/webhook"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		bootstrap.Module,
		redis.Module,
		lock.Module,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		mailer.Module,
		minio.Client,
		task.Client,
		task.Server,
		health.Module,

		ledger.Module,
		webhook.Module,
		commission.Module,
		receipt.Module,
		notification.Module,
		reconciliation.Module,
		reconciliation.Scheduler,
		orchestrator.Module,

		server.ProvideHTTPServer,
		orchestrator.HTTP,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
