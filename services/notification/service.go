package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/mailer"
	"donation-reconciler/pkg/metrics"
	"donation-reconciler/pkg/rediskey"
	"donation-reconciler/services/receipt"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAttemptsExhausted = errors.New("notification: automatic attempts exhausted")
	ErrDeliveryFailed    = errors.New("notification: delivery failed")
	ErrNoRecipient       = errors.New("notification: receipt has no donor email")
	ErrSendTimeout       = errors.New("notification: send timed out")
)

const maxErrorLength = 1000

var tracer = otel.Tracer("donation-reconciler/notification")

// Receipts is the part of the receipt issuer the dispatcher reads from.
type Receipts interface {
	Get(ctx context.Context, id string) (*receipt.Receipt, error)
	DocumentURL(r *receipt.Receipt) string
	VerifyURL(r *receipt.Receipt) string
	Organization() receipt.Organization
	ListUnsent(ctx context.Context, maxAttempts, limit int) ([]*receipt.Receipt, error)
	ListStuck(ctx context.Context, maxAttempts int, page pagination.Pagination) ([]*receipt.Receipt, *pagination.PageInfo, error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	receipts  Receipts
	sender    mailer.Sender
	scheduler Scheduler
	locker    lock.Locker

	from        string
	replyTo     string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Receipts  Receipts
	Sender    mailer.Sender
	Scheduler Scheduler
	Locker    lock.Locker
}

func NewService(p ServiceParams) *Service {
	cfg := p.Config
	return &Service{
		db:        p.DB,
		node:      p.Node,
		receipts:  p.Receipts,
		sender:    p.Sender,
		scheduler: p.Scheduler,
		locker:    p.Locker,

		from:        cfg.Email.From,
		replyTo:     cfg.Email.ReplyTo,
		timeout:     cfg.Email.Timeout,
		maxAttempts: cfg.Email.MaxAttempts,
		baseDelay:   cfg.Email.BaseDelay,
		maxDelay:    cfg.Email.MaxDelay,
	}
}

func (s *Service) MaxAttempts() int {
	return s.maxAttempts
}

// retryDelay is the jittered exponential delay before automatic attempt n+1.
func (s *Service) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay
	b.Multiplier = 2
	b.MaxInterval = s.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Dispatch schedules the first automatic attempt without waiting for it.
func (s *Service) Dispatch(ctx context.Context, r *receipt.Receipt) error {
	if r.EmailSent || r.EmailAttempts >= s.maxAttempts {
		return nil
	}
	return s.scheduler.Schedule(ctx, r.ID, r.EmailAttempts+1, 0)
}

// Send makes exactly one delivery attempt for the receipt. Automatic attempts
// skip receipts already sent and refuse once the cap is reached; manual ones
// always go out and are counted separately.
func (s *Service) Send(ctx context.Context, receiptID string, kind AttemptKind) (*Outcome, error) {
	return s.send(ctx, receiptID, kind, 0)
}

func (s *Service) send(ctx context.Context, receiptID string, kind AttemptKind, expectAttempt int) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "notification.Send", trace.WithAttributes(
		attribute.String("receipt.id", receiptID),
		attribute.String("attempt.kind", string(kind)),
	))
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("receipt_id", receiptID),
		zap.String("kind", string(kind)),
	)

	unlock, err := s.locker.Acquire(ctx, rediskey.ReceiptEmailLock(receiptID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.receipts.Get(ctx, receiptID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{ReceiptID: r.ID, Kind: kind}
	if kind == KindAutomatic {
		if r.EmailSent {
			out.Skipped = true
			return out, nil
		}
		if expectAttempt > 0 && r.EmailAttempts != expectAttempt-1 {
			zapLog.Info("stale scheduled attempt, skipping",
				zap.Int("expected", expectAttempt), zap.Int("email_attempts", r.EmailAttempts))
			out.Skipped = true
			return out, nil
		}
		if r.EmailAttempts >= s.maxAttempts {
			out.Skipped = true
			return out, ErrAttemptsExhausted
		}
		out.Attempt = r.EmailAttempts + 1
	} else {
		out.Attempt = r.ManualResends + 1
	}

	started := time.Now()
	messageID, sendErr := s.deliver(ctx, r)
	elapsed := time.Since(started)

	if err := s.record(ctx, r, kind, out.Attempt, messageID, sendErr, elapsed); err != nil {
		zapLog.Error("failed to record email attempt", zap.Error(err))
		span.RecordError(err)
		return nil, err
	}

	if sendErr == nil {
		metrics.EmailAttempts.WithLabelValues(string(kind), "sent").Inc()
		out.Sent = true
		zapLog.Info("receipt email sent", zap.Int("attempt", out.Attempt), zap.String("message_id", messageID))
		return out, nil
	}

	metrics.EmailAttempts.WithLabelValues(string(kind), "failed").Inc()
	span.SetStatus(codes.Error, sendErr.Error())
	out.Error = sendErr.Error()
	zapLog.Warn("receipt email failed", zap.Int("attempt", out.Attempt), zap.Error(sendErr))

	if kind == KindAutomatic && out.Attempt < s.maxAttempts {
		delay := s.retryDelay(out.Attempt)
		if err := s.scheduler.Schedule(ctx, r.ID, out.Attempt+1, delay); err != nil {
			zapLog.Error("failed to schedule retry, leaving it to the sweeper", zap.Error(err))
		} else {
			out.NextAttemptIn = delay
		}
	}

	return out, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
}

func (s *Service) deliver(ctx context.Context, r *receipt.Receipt) (string, error) {
	if r.DonorEmail == "" {
		return "", ErrNoRecipient
	}

	html, err := renderEmail(emailData{
		Receipt:      r,
		Organization: s.receipts.Organization(),
		DocumentURL:  s.receipts.DocumentURL(r),
		VerifyURL:    s.receipts.VerifyURL(r),
	})
	if err != nil {
		return "", err
	}

	sendCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	id, err := s.sender.Send(sendCtx, mailer.Message{
		From:    s.from,
		To:      r.DonorEmail,
		ReplyTo: s.replyTo,
		Subject: subject(r),
		HTML:    html,
	})
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrSendTimeout, s.timeout, err)
	}
	return id, err
}

// record writes the counters and the history row together so every attempt is
// counted exactly once, timeouts included.
func (s *Service) record(ctx context.Context, r *receipt.Receipt, kind AttemptKind, attempt int, messageID string, sendErr error, elapsed time.Duration) error {
	now := time.Now().UTC()

	updates := map[string]any{}
	if kind == KindAutomatic {
		updates["email_attempts"] = gorm.Expr("email_attempts + 1")
	} else {
		updates["manual_resends"] = gorm.Expr("manual_resends + 1")
	}

	entry := &EmailAttempt{
		ID:                s.node.Generate().String(),
		ReceiptID:         r.ID,
		Kind:              kind,
		Attempt:           attempt,
		Success:           sendErr == nil,
		DurationMs:        elapsed.Milliseconds(),
		ProviderMessageID: messageID,
		CreatedAt:         now,
	}

	if sendErr == nil {
		updates["email_sent"] = true
		updates["email_sent_at"] = now
		updates["last_email_error"] = ""
	} else {
		msg := sendErr.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
		updates["last_email_error"] = msg
		entry.Error = msg
	}

	// the attempt already happened; record it even if the caller has gone away
	return s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&receipt.Receipt{}).Where("id = ?", r.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

// Attempts returns the delivery history of a receipt, oldest first.
func (s *Service) Attempts(ctx context.Context, receiptID string) ([]*EmailAttempt, error) {
	var out []*EmailAttempt
	err := s.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *Service) ListRetryable(ctx context.Context, limit int) ([]*receipt.Receipt, error) {
	return s.receipts.ListUnsent(ctx, s.maxAttempts, limit)
}

// ListStuck is the operator view of receipts waiting on a manual resend.
func (s *Service) ListStuck(ctx context.Context, page pagination.Pagination) ([]*receipt.Receipt, *pagination.PageInfo, error) {
	return s.receipts.ListStuck(ctx, s.maxAttempts, page)
}

func (s *Service) runScheduled(ctx context.Context, receiptID string, attempt int) {
	_, err := s.send(ctx, receiptID, KindAutomatic, attempt)
	if err != nil && !errors.Is(err, ErrDeliveryFailed) && !errors.Is(err, ErrAttemptsExhausted) {
		zap.L().Error("scheduled email attempt failed", zap.String("receipt_id", receiptID), zap.Error(err))
	}
}

// HandleSendTask processes receipt:email:send. Delivery failures are already
// recorded and rescheduled, so only infrastructure errors reach asynq.
func (s *Service) HandleSendTask(ctx context.Context, t *asynq.Task) error {
	var p sendPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	_, err := s.send(ctx, p.ReceiptID, KindAutomatic, p.Attempt)
	if errors.Is(err, ErrDeliveryFailed) || errors.Is(err, ErrAttemptsExhausted) {
		return nil
	}
	return err
}
