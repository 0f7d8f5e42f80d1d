package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/metrics"
	"donation-reconciler/pkg/rediskey"
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Donations interface {
	ListConfirmedWithoutReceipt(ctx context.Context, actor ledger.Actor, limit int) ([]*ledger.Donation, error)
}

type Issuer interface {
	Issue(ctx context.Context, donation *ledger.Donation) (*receipt.Receipt, error)
}

type Commissions interface {
	ComputeAndRecord(ctx context.Context, donation *ledger.Donation) (*commission.Commission, error)
}

type Dispatcher interface {
	Send(ctx context.Context, receiptID string, kind notification.AttemptKind) (*notification.Outcome, error)
	ListRetryable(ctx context.Context, limit int) ([]*receipt.Receipt, error)
}

type Service struct {
	donations   Donations
	issuer      Issuer
	commissions Commissions
	dispatcher  Dispatcher
	locker      lock.Locker

	concurrency int
	pacing      time.Duration
	batchSize   int
}

type ServiceParams struct {
	fx.In
	Config      *config.Config
	Donations   Donations
	Issuer      Issuer
	Commissions Commissions
	Dispatcher  Dispatcher
	Locker      lock.Locker
}

func NewService(p ServiceParams) *Service {
	concurrency := p.Config.Reconciliation.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		donations:   p.Donations,
		issuer:      p.Issuer,
		commissions: p.Commissions,
		dispatcher:  p.Dispatcher,
		locker:      p.Locker,

		concurrency: concurrency,
		pacing:      p.Config.Reconciliation.Pacing,
		batchSize:   p.Config.Reconciliation.BatchSize,
	}
}

// Run performs one sweep. Item failures are counted in the result; the
// returned error is reserved for failures of the sweep itself.
func (s *Service) Run(ctx context.Context, mode Mode) (*Result, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	unlock, err := s.locker.Acquire(lockCtx, rediskey.SweepLock(string(mode)))
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrSweepInProgress
		}
		return nil, err
	}
	defer unlock()

	zapLog := zap.L().With(zap.String("mode", string(mode)))
	res := &Result{Mode: mode, StartedAt: time.Now().UTC()}

	var items []sweepItem
	switch mode {
	case ModeGenerateMissingReceipts:
		donations, err := s.donations.ListConfirmedWithoutReceipt(ctx, ledger.ActorSweeper, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list donations without receipt: %w", err)
		}
		for _, d := range donations {
			items = append(items, sweepItem{id: d.ID, run: func(ctx context.Context) (itemResult, error) {
				return s.generate(ctx, d)
			}})
		}
	case ModeResendFailedEmails:
		receipts, err := s.dispatcher.ListRetryable(ctx, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list unsent receipts: %w", err)
		}
		for _, r := range receipts {
			items = append(items, sweepItem{id: r.ID, run: func(ctx context.Context) (itemResult, error) {
				return s.resend(ctx, r.ID)
			}})
		}
	}

	res.Scanned = len(items)
	zapLog.Info("reconciliation sweep started", zap.Int("items", len(items)))

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(s.pacing), 1)
	}

	var mu sync.Mutex
	tally := func(id string, r itemResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		metrics.SweepItems.WithLabelValues(string(mode), r.String()).Inc()
		switch r {
		case itemSucceeded:
			res.Succeeded++
		case itemSkipped:
			res.Skipped++
		default:
			res.Failed++
			res.Failures = append(res.Failures, ItemFailure{ID: id, Error: err.Error()})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, item := range items {
		if err := limiter.Wait(ctx); err != nil {
			zapLog.Warn("sweep interrupted", zap.Error(err))
			break
		}
		g.Go(func() error {
			r, err := runIsolated(ctx, item)
			if err != nil && r != itemSkipped {
				zapLog.Warn("reconciliation item failed", zap.String("id", item.id), zap.Error(err))
			}
			tally(item.id, r, err)
			return nil
		})
	}
	_ = g.Wait()

	// items never started because the context ended count as skipped
	res.Skipped += res.Scanned - res.Succeeded - res.Skipped - res.Failed
	res.FinishedAt = time.Now().UTC()

	zapLog.Info("reconciliation sweep finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// runIsolated turns a panic in one item into a failure of that item only.
func runIsolated(ctx context.Context, item sweepItem) (r itemResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = itemFailed, fmt.Errorf("panic: %v", p)
		}
	}()
	return item.run(ctx)
}

func (s *Service) generate(ctx context.Context, d *ledger.Donation) (itemResult, error) {
	unlock, err := s.locker.Acquire(ctx, rediskey.DonationLock(d.TransactionID))
	if err != nil {
		return itemFailed, err
	}
	defer unlock()

	r, err := s.issuer.Issue(ctx, d)
	if err != nil {
		if errors.Is(err, receipt.ErrDonationNotEligible) {
			return itemSkipped, err
		}
		return itemFailed, err
	}

	if _, err := s.commissions.ComputeAndRecord(ctx, d); err != nil {
		zap.L().Warn("commission not recorded", zap.String("donation_id", d.ID), zap.Error(err))
	}

	if r.EmailSent {
		return itemSucceeded, nil
	}
	return s.resend(ctx, r.ID)
}

func (s *Service) resend(ctx context.Context, receiptID string) (itemResult, error) {
	out, err := s.dispatcher.Send(ctx, receiptID, notification.KindAutomatic)
	switch {
	case errors.Is(err, notification.ErrAttemptsExhausted):
		return itemSkipped, err
	case err != nil:
		return itemFailed, err
	case out.Skipped:
		return itemSkipped, nil
	}
	return itemSucceeded, nil
}

// Resend is the operator's manual re-delivery; it ignores the automatic cap.
func (s *Service) Resend(ctx context.Context, receiptID string) (*notification.Outcome, error) {
	return s.dispatcher.Send(ctx, receiptID, notification.KindManual)
}
