package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/featureflags"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner sweeps every mode on a fixed interval while the sweeper flag is on.
type Runner struct {
	service  *Service
	flags    featureflags.FeatureFlag
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(service *Service, flags featureflags.FeatureFlag, interval time.Duration) *Runner {
	return &Runner{service: service, flags: flags, interval: interval}
}

func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Tick runs each mode once.
func (r *Runner) Tick(ctx context.Context) {
	if !r.flags.Enabled(ctx, featureflags.ReconciliationSweeper, true) {
		zap.L().Debug("[Reconciliation] sweeper disabled by feature flag")
		return
	}

	for _, mode := range Modes {
		if ctx.Err() != nil {
			return
		}
		res, err := r.service.Run(ctx, mode)
		if errors.Is(err, ErrSweepInProgress) {
			zap.L().Info("[Reconciliation] sweep already running elsewhere", zap.String("mode", string(mode)))
			continue
		}
		if err != nil {
			zap.L().Error("[Reconciliation] sweep failed", zap.String("mode", string(mode)), zap.Error(err))
			continue
		}
		if !res.OK() {
			zap.L().Warn("[Reconciliation] sweep finished with failures",
				zap.String("mode", string(mode)), zap.Int("failed", res.Failed))
		}
	}
}

type runnerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Service   *Service
	Flags     featureflags.FeatureFlag
}

func registerRunner(p runnerParams) {
	if !p.Config.Reconciliation.Enable || p.Config.Reconciliation.Interval <= 0 {
		zap.L().Info("[Reconciliation] periodic sweeper disabled")
		return
	}

	runner := NewRunner(p.Service, p.Flags, p.Config.Reconciliation.Interval)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runner.Start()
			zap.L().Info("[Reconciliation] periodic sweeper started", zap.Duration("interval", p.Config.Reconciliation.Interval))
			return nil
		},
		OnStop: func(context.Context) error {
			runner.Stop()
			return nil
		},
	})
}
