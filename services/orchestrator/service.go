package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/pkg/featureflags"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/metrics"
	"donation-reconciler/pkg/rediskey"
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/reconciliation"
	"donation-reconciler/services/webhook"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// PipelineVersion identifies the single live webhook pipeline.
const PipelineVersion = "v3"

var tracer = otel.Tracer("donation-reconciler/orchestrator")

var errDuplicate = errors.New("orchestrator: event already recorded")

type Commissions interface {
	ComputeAndRecord(ctx context.Context, donation *ledger.Donation) (*commission.Commission, error)
}

type Receipts interface {
	Issue(ctx context.Context, donation *ledger.Donation) (*receipt.Receipt, error)
	Document(ctx context.Context, receiptID, hash string) ([]byte, string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *receipt.Receipt) error
	ListStuck(ctx context.Context, page pagination.Pagination) ([]*receipt.Receipt, *pagination.PageInfo, error)
	Attempts(ctx context.Context, receiptID string) ([]*notification.EmailAttempt, error)
}

type Sweeper interface {
	Run(ctx context.Context, mode reconciliation.Mode) (*reconciliation.Result, error)
	Resend(ctx context.Context, receiptID string) (*notification.Outcome, error)
}

type WebhookResponse struct {
	Received  bool            `json:"received"`
	Duplicate bool            `json:"duplicate"`
	Outcome   webhook.Outcome `json:"outcome,omitempty"`
}

type Service struct {
	db          *gorm.DB
	parser      *webhook.Parser
	dedup       *webhook.Deduplicator
	ledger      *ledger.Service
	commissions Commissions
	receipts    Receipts
	dispatcher  Dispatcher
	sweeper     Sweeper
	locker      lock.Locker
	flags       featureflags.FeatureFlag
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Parser      *webhook.Parser
	Dedup       *webhook.Deduplicator
	Ledger      *ledger.Service
	Commissions Commissions
	Receipts    Receipts
	Dispatcher  Dispatcher
	Sweeper     Sweeper
	Locker      lock.Locker
	Flags       featureflags.FeatureFlag
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		parser:      p.Parser,
		dedup:       p.Dedup,
		ledger:      p.Ledger,
		commissions: p.Commissions,
		receipts:    p.Receipts,
		dispatcher:  p.Dispatcher,
		sweeper:     p.Sweeper,
		locker:      p.Locker,
		flags:       p.Flags,
	}
}

func logFields(span trace.Span, fields ...zap.Field) []zap.Field {
	sc := span.SpanContext()
	return append([]zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.String("pipeline_version", PipelineVersion),
	}, fields...)
}

// HandleWebhook drives one gateway delivery through the pipeline. Only
// persistence failures are returned as retriable errors; side effects after the
// ledger commit are best effort and repaired by the sweeper.
func (s *Service) HandleWebhook(ctx context.Context, raw []byte) (*WebhookResponse, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleWebhook")
	defer span.End()

	ev, err := s.parser.Parse(raw)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		zap.L().Warn("rejected webhook payload", logFields(span, zap.Error(err))...)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.event_type", ev.Type),
		attribute.String("donation.transaction_id", ev.TransactionID),
	)
	zapLog := zap.L().With(logFields(span,
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("transaction_id", ev.TransactionID),
	)...)

	if !s.flags.Enabled(ctx, featureflags.WebhookPipeline, true) {
		metrics.WebhookEvents.WithLabelValues("disabled").Inc()
		zapLog.Warn("webhook pipeline disabled by feature flag")
		return nil, errutil.ServiceUnavailable("webhook pipeline disabled", nil)
	}

	unlock, err := s.locker.Acquire(ctx, rediskey.DonationLock(ev.TransactionID))
	if err != nil {
		zapLog.Error("failed to acquire donation lock", zap.Error(err))
		return nil, errutil.Internal("failed to acquire donation lock", err)
	}
	defer unlock()

	seen, err := s.dedup.Seen(ctx, ev.ID)
	if err != nil {
		zapLog.Error("failed dedup pre-check", zap.Error(err))
		return nil, errutil.Internal("failed to check event", err)
	}
	if seen {
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		zapLog.Info("duplicate webhook event")
		return &WebhookResponse{Received: true, Duplicate: true}, nil
	}

	var res *ledger.Result
	outcome := webhook.OutcomeIgnored
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !ev.Informational() {
			r, err := s.ledger.Apply(ctx, tx, ledger.ActorGateway, ev.Transition())
			switch {
			case errors.Is(err, ledger.ErrTransitionConflict):
				outcome = webhook.OutcomeConflict
			case err != nil:
				return err
			case r.Created || r.Changed:
				outcome, res = webhook.OutcomeApplied, r
			default:
				outcome, res = webhook.OutcomeNoop, r
			}
		}

		verdict, err := s.dedup.Record(ctx, tx, ev, outcome)
		if err != nil {
			return err
		}
		if verdict == webhook.AlreadySeen {
			return errDuplicate
		}
		return nil
	})

	switch {
	case errors.Is(err, errDuplicate):
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		zapLog.Info("webhook event recorded concurrently, rolled back")
		return &WebhookResponse{Received: true, Duplicate: true}, nil
	case errors.Is(err, ledger.ErrInvalidTransition):
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		return nil, errutil.ValidationFailed("invalid webhook payload", err)
	case err != nil:
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zapLog.Error("failed to persist webhook event", zap.Error(err))
		return nil, errutil.Internal("failed to persist webhook event", err)
	}

	metrics.WebhookEvents.WithLabelValues(string(outcome)).Inc()
	if outcome == webhook.OutcomeConflict {
		zapLog.Warn("webhook transition conflicts with donation state, recorded for operators")
	}

	if res != nil && res.Donation.Status.Confirmed() {
		s.confirmed(ctx, res.Donation)
	}

	return &WebhookResponse{Received: true, Duplicate: false, Outcome: outcome}, nil
}

// confirmed runs the side effects of a confirmed donation. Failures are logged
// and left for the sweeper.
func (s *Service) confirmed(ctx context.Context, d *ledger.Donation) {
	zapLog := zap.L().With(zap.String("donation_id", d.ID), zap.String("transaction_id", d.TransactionID))

	if _, err := s.commissions.ComputeAndRecord(ctx, d); err != nil {
		zapLog.Warn("commission not recorded", zap.Error(err))
	}

	r, err := s.receipts.Issue(ctx, d)
	if err != nil {
		zapLog.Error("receipt not issued, sweeper will retry", zap.Error(err))
		return
	}

	if err := s.dispatcher.Dispatch(ctx, r); err != nil {
		zapLog.Error("receipt email not scheduled, sweeper will retry", zap.String("receipt_id", r.ID), zap.Error(err))
	}
}

// RetrieveReceipt renders a receipt for a capability URL. Any mismatch, unknown
// receipts included, is a bare Forbidden.
func (s *Service) RetrieveReceipt(ctx context.Context, receiptID, hash string) ([]byte, string, error) {
	if receiptID == "" || hash == "" {
		return nil, "", errutil.Forbidden("forbidden", nil)
	}

	body, contentType, err := s.receipts.Document(ctx, receiptID, hash)
	if errors.Is(err, receipt.ErrHashMismatch) {
		zap.L().Warn("receipt hash mismatch", zap.String("receipt_id", receiptID))
		return nil, "", errutil.Forbidden("forbidden", nil)
	}
	if err != nil {
		return nil, "", errutil.Internal("failed to render receipt", err)
	}
	return body, contentType, nil
}

func (s *Service) Reconcile(ctx context.Context, mode string) (*reconciliation.Result, error) {
	m, err := reconciliation.ParseMode(mode)
	if err != nil {
		return nil, errutil.BadRequest("unknown reconciliation mode", err)
	}

	res, err := s.sweeper.Run(ctx, m)
	if errors.Is(err, reconciliation.ErrSweepInProgress) {
		return nil, errutil.Conflict("reconciliation already running", err)
	}
	if err != nil {
		return nil, errutil.Internal("reconciliation failed", err)
	}
	return res, nil
}

func (s *Service) Resend(ctx context.Context, receiptID string) (*notification.Outcome, error) {
	out, err := s.sweeper.Resend(ctx, receiptID)
	switch {
	case errors.Is(err, receipt.ErrReceiptNotFound):
		return nil, errutil.NotFound("receipt not found", err)
	case errors.Is(err, notification.ErrDeliveryFailed):
		return out, errutil.BadGateway("email delivery failed", err)
	case err != nil:
		return nil, errutil.Internal("resend failed", err)
	}
	return out, nil
}

func (s *Service) ListStuck(ctx context.Context, page pagination.Pagination) ([]*receipt.Receipt, *pagination.PageInfo, error) {
	items, info, err := s.dispatcher.ListStuck(ctx, page)
	if err != nil {
		return nil, nil, errutil.BadRequest("failed to list stuck receipts", err)
	}
	return items, info, nil
}

func (s *Service) VerifyChain(ctx context.Context, donationID string) (bool, error) {
	ok, err := s.ledger.VerifyChain(ctx, ledger.ActorOperator, donationID)
	if errors.Is(err, ledger.ErrDonationNotFound) {
		return false, errutil.NotFound("donation not found", err)
	}
	if err != nil {
		return false, errutil.Internal("failed to verify chain", err)
	}
	return ok, nil
}

// ListEvents returns recorded deliveries with the given outcome, newest first.
// An empty outcome lists conflicts.
func (s *Service) ListEvents(ctx context.Context, outcome string, limit int) ([]*webhook.WebhookEvent, error) {
	o := webhook.OutcomeConflict
	if outcome != "" {
		o = webhook.Outcome(outcome)
	}
	switch o {
	case webhook.OutcomeApplied, webhook.OutcomeNoop, webhook.OutcomeConflict, webhook.OutcomeIgnored:
	default:
		return nil, errutil.BadRequest("unknown event outcome", fmt.Errorf("outcome %q", outcome))
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)

	events, err := s.dedup.ListByOutcome(ctx, o, limit)
	if err != nil {
		return nil, errutil.Internal("failed to list events", err)
	}
	return events, nil
}

func (s *Service) History(ctx context.Context, donationID string) ([]*ledger.DonationTransition, error) {
	entries, err := s.ledger.History(ctx, ledger.ActorOperator, donationID)
	if err != nil {
		return nil, errutil.Internal("failed to load donation history", err)
	}
	if len(entries) == 0 {
		return nil, errutil.NotFound("donation not found", ledger.ErrDonationNotFound)
	}
	return entries, nil
}

func (s *Service) Attempts(ctx context.Context, receiptID string) ([]*notification.EmailAttempt, error) {
	attempts, err := s.dispatcher.Attempts(ctx, receiptID)
	if err != nil {
		return nil, errutil.Internal("failed to load email attempts", err)
	}
	return attempts, nil
}
