package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/pkg/featureflags"
	"donation-reconciler/pkg/lock"
	"donation-reconciler/pkg/mailer"
	"donation-reconciler/pkg/sequence"
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/reconciliation"
	"donation-reconciler/services/testutil"
	"donation-reconciler/services/webhook"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type senderFunc func(ctx context.Context, msg mailer.Message) (string, error)

func (f senderFunc) Send(ctx context.Context, msg mailer.Message) (string, error) {
	return f(ctx, msg)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Webhook.Path = "/webhooks/asaas"
	cfg.Receipt.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Receipt.Prefix = "RCV"
	cfg.Receipt.Timezone = "America/Sao_Paulo"
	cfg.Receipt.VerifyURL = "https://coracaovalente.org.br/verificar"
	cfg.Receipt.RenderTimeout = time.Second
	cfg.Receipt.Organization.Name = "Instituto Coração Valente"
	cfg.Server.PublicURL = "https://api.example.org"
	cfg.Commission.Rate = "0.30"
	cfg.Commission.CacheTTL = time.Minute
	cfg.Email.From = "recibos@example.org"
	cfg.Email.Timeout = time.Second
	cfg.Email.MaxAttempts = 3
	cfg.Email.BaseDelay = time.Millisecond
	cfg.Email.MaxDelay = 5 * time.Millisecond
	cfg.Reconciliation.Concurrency = 2
	cfg.Reconciliation.BatchSize = 50
	cfg.Operator.Token = "operator-secret"
	return cfg
}

type pipeline struct {
	svc        *Service
	db         *gorm.DB
	ledger     *ledger.Service
	receipts   *receipt.Service
	dispatcher *notification.Service
	scheduler  *notification.LocalScheduler
	flags      featureflags.Static

	sends atomic.Int32
	fail  atomic.Bool
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := testutil.NewTestDB(t,
		&ledger.Donation{}, &ledger.DonationTransition{},
		&webhook.WebhookEvent{},
		&commission.Commission{}, &commission.Ambassador{},
		&receipt.Receipt{}, &sequence.Sequence{},
		&notification.EmailAttempt{},
	)
	require.NoError(t, db.Create(&commission.Ambassador{ID: "a1", Code: "RMCC0408", Name: "Rosa", Active: true}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := testConfig()
	locker := lock.NewLocalLocker()

	p := &pipeline{db: db, flags: featureflags.Static{}}

	p.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	dedup := webhook.NewDeduplicator(webhook.DeduplicatorParams{DB: db, Node: node})
	parser, err := webhook.NewParser(cfg)
	require.NoError(t, err)

	commissions := commission.NewService(commission.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Resolver: commission.NewDirectory(commission.DirectoryParams{DB: db, Config: cfg}),
	})
	p.receipts = receipt.NewService(receipt.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Sequence: sequence.NewDBGenerator(),
		Renderer: receipt.HTMLRenderer{},
	})

	p.scheduler = notification.NewLocalScheduler()
	p.dispatcher = notification.NewService(notification.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Receipts: p.receipts,
		Sender: senderFunc(func(ctx context.Context, msg mailer.Message) (string, error) {
			p.sends.Add(1)
			if p.fail.Load() {
				return "", errors.New("smtp 451 try again later")
			}
			return "msg", nil
		}),
		Scheduler: p.scheduler,
		Locker:    locker,
	})
	p.scheduler.Bind(func(ctx context.Context, receiptID string, attempt int) {
		_, _ = p.dispatcher.Send(ctx, receiptID, notification.KindAutomatic)
	})
	t.Cleanup(func() { p.scheduler.Stop() })

	sweeper := reconciliation.NewService(reconciliation.ServiceParams{
		Config:      cfg,
		Donations:   p.ledger,
		Issuer:      p.receipts,
		Commissions: commissions,
		Dispatcher:  p.dispatcher,
		Locker:      locker,
	})

	p.svc = NewService(ServiceParams{
		DB:          db,
		Parser:      parser,
		Dedup:       dedup,
		Ledger:      p.ledger,
		Commissions: commissions,
		Receipts:    p.receipts,
		Dispatcher:  p.dispatcher,
		Sweeper:     sweeper,
		Locker:      locker,
		Flags:       p.flags,
	})
	return p
}

func payload(eventID, event, paymentID, value, code string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"event": %q,
		"dateCreated": "2025-03-14 10:20:30",
		"payment": {
			"id": %q,
			"value": %s,
			"billingType": "PIX",
			"customerName": "Maria Silva",
			"customerEmail": "maria@example.com",
			"externalReference": %q
		}
	}`, eventID, event, paymentID, value, code))
}

func (p *pipeline) donation(t *testing.T, transactionID string) *ledger.Donation {
	t.Helper()
	d, err := p.ledger.GetByTransactionID(context.Background(), ledger.ActorOperator, transactionID)
	require.NoError(t, err)
	return d
}

func (p *pipeline) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, p.db.Model(model).Count(&n).Error)
	return n
}

func TestCompletedDonationScenario(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	raw := payload("evt_d1", "PAYMENT_RECEIVED", "pay_D1", "100.00", "RMCC0408")

	resp, err := p.svc.HandleWebhook(ctx, raw)
	require.NoError(t, err)
	require.True(t, resp.Received)
	require.False(t, resp.Duplicate)
	require.Equal(t, webhook.OutcomeApplied, resp.Outcome)
	p.scheduler.Wait()

	d := p.donation(t, "pay_D1")
	require.Equal(t, ledger.StatusCompleted, d.Status)

	r, err := p.receipts.GetByDonation(ctx, d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, r.ReceiptNumber)
	require.NotEmpty(t, r.VerificationHash)
	require.True(t, r.EmailSent)
	require.Equal(t, 1, r.EmailAttempts)

	var c commission.Commission
	require.NoError(t, p.db.Where("donation_id = ?", d.ID).First(&c).Error)
	require.Equal(t, "30.00", c.CommissionAmount.StringFixed(2))

	ok, err := p.svc.VerifyChain(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// replay: nothing changes
	resp, err = p.svc.HandleWebhook(ctx, raw)
	require.NoError(t, err)
	require.True(t, resp.Duplicate)
	p.scheduler.Wait()

	require.EqualValues(t, 1, p.count(t, &receipt.Receipt{}))
	require.EqualValues(t, 1, p.count(t, &commission.Commission{}))
	require.EqualValues(t, 1, p.count(t, &webhook.WebhookEvent{}))
	require.EqualValues(t, 1, p.sends.Load())

	history, err := p.ledger.History(ctx, ledger.ActorOperator, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestEmailRetryCapScenario(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.fail.Store(true)

	_, err := p.svc.HandleWebhook(ctx, payload("evt_d2", "PAYMENT_RECEIVED", "pay_D2", "80.00", ""))
	require.NoError(t, err)
	p.scheduler.Wait()

	d := p.donation(t, "pay_D2")
	r, err := p.receipts.GetByDonation(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 3, r.EmailAttempts)
	require.False(t, r.EmailSent)
	require.Contains(t, r.LastEmailError, "smtp 451")
	require.EqualValues(t, 3, p.sends.Load())

	// provider healthy again: the sweeper must leave the capped receipt alone
	p.fail.Store(false)
	res, err := p.svc.Reconcile(ctx, string(reconciliation.ModeResendFailedEmails))
	require.NoError(t, err)
	require.Zero(t, res.Scanned)
	require.EqualValues(t, 3, p.sends.Load())

	out, err := p.svc.Resend(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, out.Sent)

	r, err = p.receipts.Get(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, r.EmailSent)
	require.Equal(t, 3, r.EmailAttempts)
	require.Equal(t, 1, r.ManualResends)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	p := newPipeline(t)
	raw := payload("evt_same", "PAYMENT_RECEIVED", "pay_C", "25.00", "")

	const deliveries = 6
	var duplicates atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.svc.HandleWebhook(context.Background(), raw)
			if err != nil {
				errs <- err
				return
			}
			if resp.Duplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	p.scheduler.Wait()

	require.EqualValues(t, deliveries-1, duplicates.Load())
	require.EqualValues(t, 1, p.count(t, &receipt.Receipt{}))
	require.EqualValues(t, 1, p.sends.Load())
}

func TestOutOfOrderEventsAreConflicts(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.svc.HandleWebhook(ctx, payload("evt_1", "PAYMENT_RECEIVED", "pay_O", "10.00", ""))
	require.NoError(t, err)

	resp, err := p.svc.HandleWebhook(ctx, payload("evt_0", "PAYMENT_CREATED", "pay_O", "10.00", ""))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeConflict, resp.Outcome)
	p.scheduler.Wait()

	require.Equal(t, ledger.StatusCompleted, p.donation(t, "pay_O").Status)
}

func TestPendingDonationHasNoSideEffects(t *testing.T) {
	p := newPipeline(t)

	resp, err := p.svc.HandleWebhook(context.Background(), payload("evt_p", "PAYMENT_CREATED", "pay_P", "10.00", "RMCC0408"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeApplied, resp.Outcome)

	require.Equal(t, ledger.StatusPending, p.donation(t, "pay_P").Status)
	require.Zero(t, p.count(t, &receipt.Receipt{}))
	require.Zero(t, p.count(t, &commission.Commission{}))
}

func TestInformationalEventIsRecordedOnly(t *testing.T) {
	p := newPipeline(t)

	resp, err := p.svc.HandleWebhook(context.Background(), []byte(`{"id":"evt_v","event":"PAYMENT_CHECKOUT_VIEWED","payment":{"id":"pay_V"}}`))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeIgnored, resp.Outcome)
	require.Zero(t, p.count(t, &ledger.Donation{}))
	require.EqualValues(t, 1, p.count(t, &webhook.WebhookEvent{}))
}

func TestMalformedWebhookPersistsNothing(t *testing.T) {
	p := newPipeline(t)

	_, err := p.svc.HandleWebhook(context.Background(), []byte(`{"event":"PAYMENT_RECEIVED"}`))
	require.ErrorIs(t, err, webhook.ErrInvalidPayload)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
	require.Zero(t, p.count(t, &webhook.WebhookEvent{}))
}

func TestDisabledPipelineIsRetriable(t *testing.T) {
	p := newPipeline(t)
	p.flags[featureflags.WebhookPipeline] = false

	_, err := p.svc.HandleWebhook(context.Background(), payload("evt_x", "PAYMENT_RECEIVED", "pay_X", "10.00", ""))
	require.Equal(t, errutil.StatusServiceUnavailable, errutil.StatusOf(err))
	require.Zero(t, p.count(t, &webhook.WebhookEvent{}))
}

func TestPersistenceFailureRollsBackDedupRecord(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.db.Migrator().DropTable(&ledger.DonationTransition{}))

	_, err := p.svc.HandleWebhook(context.Background(), payload("evt_f", "PAYMENT_RECEIVED", "pay_F", "10.00", ""))
	require.Equal(t, errutil.StatusInternal, errutil.StatusOf(err))
	require.Zero(t, p.count(t, &webhook.WebhookEvent{}))
	require.Zero(t, p.count(t, &ledger.Donation{}))
}

func TestRetrieveReceipt(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.svc.HandleWebhook(ctx, payload("evt_r", "PAYMENT_RECEIVED", "pay_R", "100.00", ""))
	require.NoError(t, err)
	p.scheduler.Wait()

	r, err := p.receipts.GetByDonation(ctx, p.donation(t, "pay_R").ID)
	require.NoError(t, err)

	body, _, err := p.svc.RetrieveReceipt(ctx, r.ID, r.VerificationHash)
	require.NoError(t, err)
	require.Contains(t, string(body), r.ReceiptNumber)

	_, _, err = p.svc.RetrieveReceipt(ctx, r.ID, r.VerificationHash[:63]+"x")
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))

	_, _, err = p.svc.RetrieveReceipt(ctx, "missing", r.VerificationHash)
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))
}

func TestSweeperRepairsMissingReceipt(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.svc.HandleWebhook(ctx, payload("evt_s", "PAYMENT_RECEIVED", "pay_S", "40.00", "RMCC0408"))
	require.NoError(t, err)
	p.scheduler.Wait()

	// simulate a receipt write that never happened
	require.NoError(t, p.db.Where("1 = 1").Delete(&receipt.Receipt{}).Error)

	res, err := p.svc.Reconcile(ctx, string(reconciliation.ModeGenerateMissingReceipts))
	require.NoError(t, err)
	require.Equal(t, 1, res.Scanned)
	require.Equal(t, 1, res.Succeeded)
	require.EqualValues(t, 1, p.count(t, &receipt.Receipt{}))
	require.EqualValues(t, 1, p.count(t, &commission.Commission{}))

	_, err = p.svc.Reconcile(ctx, "everything")
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}
