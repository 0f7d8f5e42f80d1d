package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/mailer"
	"donation-reconciler/pkg/sequence"
	"donation-reconciler/pkg/taskname"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type senderFunc func(ctx context.Context, msg mailer.Message) (string, error)

func (f senderFunc) Send(ctx context.Context, msg mailer.Message) (string, error) {
	return f(ctx, msg)
}

type scheduled struct {
	receiptID string
	attempt   int
	delay     time.Duration
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, receiptID string, attempt int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{receiptID, attempt, delay})
	return s.err
}

func (s *recordingScheduler) attempts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, c := range s.calls {
		out = append(out, c.attempt)
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Receipt.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Receipt.Prefix = "RCV"
	cfg.Receipt.Timezone = "UTC"
	cfg.Receipt.VerifyURL = "https://coracaovalente.org.br/verificar"
	cfg.Receipt.Organization.Name = "Instituto Coração Valente"
	cfg.Server.PublicURL = "https://api.example.org"
	cfg.Email.From = "recibos@example.org"
	cfg.Email.Timeout = time.Second
	cfg.Email.MaxAttempts = 3
	cfg.Email.BaseDelay = 2 * time.Second
	cfg.Email.MaxDelay = time.Minute
	return cfg
}

type fixture struct {
	svc       *Service
	receipts  *receipt.Service
	scheduler *recordingScheduler
	db        *gorm.DB
	sends     atomic.Int32
	fail      atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &receipt.Receipt{}, &sequence.Sequence{}, &EmailAttempt{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := testConfig()

	f := &fixture{db: db, scheduler: &recordingScheduler{}}
	f.receipts = receipt.NewService(receipt.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Sequence: sequence.NewDBGenerator(),
		Renderer: receipt.HTMLRenderer{},
	})

	sender := senderFunc(func(ctx context.Context, msg mailer.Message) (string, error) {
		f.sends.Add(1)
		if f.fail.Load() {
			return "", errors.New("provider unavailable")
		}
		return "msg-1", nil
	})

	f.svc = NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Receipts:  f.receipts,
		Sender:    sender,
		Scheduler: f.scheduler,
		Locker:    lock.NewLocalLocker(),
	})
	return f
}

func (f *fixture) issue(t *testing.T, id, email string) *receipt.Receipt {
	t.Helper()
	r, err := f.receipts.Issue(context.Background(), &ledger.Donation{
		ID:            id,
		TransactionID: "pay_" + id,
		Amount:        decimal.RequireFromString("100.00"),
		Currency:      "BRL",
		DonorName:     "Maria Silva",
		DonorEmail:    email,
		Status:        ledger.StatusCompleted,
		DonatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) reload(t *testing.T, id string) *receipt.Receipt {
	t.Helper()
	r, err := f.receipts.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestSendSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.issue(t, "d1", "maria@example.com")

	out, err := f.svc.Send(ctx, r.ID, KindAutomatic)
	require.NoError(t, err)
	require.True(t, out.Sent)
	require.Equal(t, 1, out.Attempt)

	got := f.reload(t, r.ID)
	require.True(t, got.EmailSent)
	require.NotNil(t, got.EmailSentAt)
	require.Equal(t, 1, got.EmailAttempts)
	require.Empty(t, got.LastEmailError)

	// already sent: automatic attempts are no-ops
	out, err = f.svc.Send(ctx, r.ID, KindAutomatic)
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.EqualValues(t, 1, f.sends.Load())

	history, err := f.svc.Attempts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Success)
	require.Equal(t, "msg-1", history[0].ProviderMessageID)
}

func TestRetryCapThenManualResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.issue(t, "d2", "joao@example.com")
	f.fail.Store(true)

	for i := 1; i <= 3; i++ {
		out, err := f.svc.Send(ctx, r.ID, KindAutomatic)
		require.ErrorIs(t, err, ErrDeliveryFailed)
		require.Equal(t, i, out.Attempt)
		require.False(t, out.Sent)
	}

	got := f.reload(t, r.ID)
	require.Equal(t, 3, got.EmailAttempts)
	require.False(t, got.EmailSent)
	require.Contains(t, got.LastEmailError, "provider unavailable")

	// retries were scheduled after attempts 1 and 2 only
	require.Equal(t, []int{2, 3}, f.scheduler.attempts())

	f.fail.Store(false)
	_, err := f.svc.Send(ctx, r.ID, KindAutomatic)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.EqualValues(t, 3, f.sends.Load())

	stuck, _, err := f.svc.ListStuck(ctx, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	out, err := f.svc.Send(ctx, r.ID, KindManual)
	require.NoError(t, err)
	require.True(t, out.Sent)

	got = f.reload(t, r.ID)
	require.True(t, got.EmailSent)
	require.Equal(t, 3, got.EmailAttempts)
	require.Equal(t, 1, got.ManualResends)

	history, err := f.svc.Attempts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.False(t, history[0].Success)
	require.Equal(t, KindManual, history[3].Kind)
}

func TestManualResendOfSentReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.issue(t, "d3", "ana@example.com")

	_, err := f.svc.Send(ctx, r.ID, KindAutomatic)
	require.NoError(t, err)

	f.fail.Store(true)
	_, err = f.svc.Send(ctx, r.ID, KindManual)
	require.ErrorIs(t, err, ErrDeliveryFailed)

	got := f.reload(t, r.ID)
	require.True(t, got.EmailSent)
	require.Equal(t, 1, got.EmailAttempts)
	require.Equal(t, 1, got.ManualResends)
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.timeout = 20 * time.Millisecond
	f.svc.sender = senderFunc(func(ctx context.Context, msg mailer.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := f.issue(t, "d4", "lenta@example.com")

	out, err := f.svc.Send(context.Background(), r.ID, KindAutomatic)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Contains(t, out.Error, ErrSendTimeout.Error())

	got := f.reload(t, r.ID)
	require.Equal(t, 1, got.EmailAttempts)
	require.False(t, got.EmailSent)
}

func TestSendWithoutRecipientCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, "d5", "")

	_, err := f.svc.Send(context.Background(), r.ID, KindAutomatic)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Zero(t, f.sends.Load())
	require.Equal(t, 1, f.reload(t, r.ID).EmailAttempts)
}

func TestConcurrentAutomaticSendsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, "d6", "maria@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Send(context.Background(), r.ID, KindAutomatic)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, f.sends.Load())
	require.Equal(t, 1, f.reload(t, r.ID).EmailAttempts)
}

func TestDispatchSchedulesFirstAttempt(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, "d7", "maria@example.com")

	require.NoError(t, f.svc.Dispatch(context.Background(), r))
	require.Equal(t, []int{1}, f.scheduler.attempts())
	require.Zero(t, f.scheduler.calls[0].delay)

	r.EmailSent = true
	require.NoError(t, f.svc.Dispatch(context.Background(), r))
	require.Len(t, f.scheduler.calls, 1)
}

func TestStaleScheduledAttemptIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.fail.Store(true)
	r := f.issue(t, "d8", "maria@example.com")

	_, err := f.svc.Send(context.Background(), r.ID, KindAutomatic)
	require.ErrorIs(t, err, ErrDeliveryFailed)

	// a leftover task for attempt 1 must not run a second attempt
	out, err := f.svc.send(context.Background(), r.ID, KindAutomatic, 1)
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.EqualValues(t, 1, f.sends.Load())
}

func TestHandleSendTask(t *testing.T) {
	f := newFixture(t)
	r := f.issue(t, "d9", "maria@example.com")

	payload, err := json.Marshal(sendPayload{ReceiptID: r.ID, Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleSendTask(context.Background(), asynq.NewTask(taskname.ReceiptEmailSend, payload)))
	require.True(t, f.reload(t, r.ID).EmailSent)

	err = f.svc.HandleSendTask(context.Background(), asynq.NewTask(taskname.ReceiptEmailSend, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRetryDelayGrowsWithJitter(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		d1 := f.svc.retryDelay(1)
		require.GreaterOrEqual(t, d1, time.Second)
		require.LessOrEqual(t, d1, 3*time.Second)

		d2 := f.svc.retryDelay(2)
		require.GreaterOrEqual(t, d2, 2*time.Second)
		require.LessOrEqual(t, d2, 6*time.Second)

		d10 := f.svc.retryDelay(10)
		require.LessOrEqual(t, d10, 90*time.Second)
	}
}
