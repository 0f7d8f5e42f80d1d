package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db"
	"donation-reconciler/pkg/featureflags"
	"donation-reconciler/pkg/gen"
	"donation-reconciler/pkg/hashistack/secretmanager"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/logger"
	"donation-reconciler/pkg/mailer"
	"donation-reconciler/pkg/minio"
	"donation-reconciler/pkg/redis"
	"donation-reconciler/pkg/sequence"
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

const startTimeout = 30 * time.Second

// withService boots the pipeline without its servers, runs fn and shuts down.
// With no task queue configured, automatic retries scheduled during fn are
// dropped on exit and left to the next sweep.
func withService(ctx context.Context, fn func(ctx context.Context, svc *orchestrator.Service) error) error {
	var svc *orchestrator.Service
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
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

		ledger.Module,
		webhook.Module,
		commission.Module,
		receipt.Module,
		notification.Module,
		reconciliation.Module,
		orchestrator.Module,

		fx.Populate(&svc),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger { return fxevent.NopLogger }),
	)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
