package webhook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/services/ledger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const receivedPayload = `{
  "id": "evt_05b708f961d739ea7eba7e4db318f621&368604920",
  "event": "PAYMENT_RECEIVED",
  "dateCreated": "2025-03-14 10:20:30",
  "payment": {
    "id": "pay_080225913252",
    "value": 100.00,
    "billingType": "PIX",
    "customer": "cus_000005219613",
    "customerName": "Maria Silva",
    "customerEmail": "Maria@Example.com",
    "externalReference": "rmcc0408",
    "confirmedDate": "2025-03-14"
  }
}`

func newParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser(&config.Config{})
	require.NoError(t, err)
	return p
}

func TestParseReceived(t *testing.T) {
	ev, err := newParser(t).Parse([]byte(receivedPayload))
	require.NoError(t, err)

	require.Equal(t, "evt_05b708f961d739ea7eba7e4db318f621&368604920", ev.ID)
	require.Equal(t, "PAYMENT_RECEIVED", ev.Type)
	require.Equal(t, "pay_080225913252", ev.TransactionID)
	require.Equal(t, ledger.StatusCompleted, ev.Status)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, "PIX", ev.PaymentMethod)
	require.Equal(t, "maria@example.com", ev.DonorEmail)
	require.Equal(t, "RMCC0408", ev.AmbassadorCode)
	require.False(t, ev.Informational())

	// 2025-03-14 00:00 in São Paulo
	require.Equal(t, time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC), ev.OccurredAt)

	tr := ev.Transition()
	require.Equal(t, ev.TransactionID, tr.TransactionID)
	require.Equal(t, ev.ID, tr.EventID)
	require.NoError(t, tr.Validate())
}

func TestParseStatusMapping(t *testing.T) {
	p := newParser(t)
	cases := map[string]ledger.Status{
		"PAYMENT_CREATED":   ledger.StatusPending,
		"PAYMENT_CONFIRMED": ledger.StatusReceived,
		"PAYMENT_REFUNDED":  ledger.StatusRefunded,
		"PAYMENT_DELETED":   ledger.StatusFailed,
		"PAYMENT_UPDATED":   "",
		"SOMETHING_NEW":     "",
	}
	for eventType, want := range cases {
		t.Run(eventType, func(t *testing.T) {
			raw := `{"id":"evt_1","event":"` + eventType + `","payment":{"id":"pay_1","value":10}}`
			ev, err := p.Parse([]byte(raw))
			require.NoError(t, err)
			require.Equal(t, want, ev.Status)
		})
	}
}

func TestParseRejectsInvalidPayloads(t *testing.T) {
	p := newParser(t)
	cases := map[string]string{
		"not json":        `{"id":`,
		"array":           `[1,2]`,
		"missing id":      `{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","value":10}}`,
		"missing event":   `{"id":"evt_1","payment":{"id":"pay_1","value":10}}`,
		"missing payment": `{"id":"evt_1","event":"PAYMENT_RECEIVED"}`,
		"bad amount":      `{"id":"evt_1","event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","value":"ten"}}`,
		"zero amount":     `{"id":"evt_1","event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","value":0}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse([]byte(raw))
			require.ErrorIs(t, err, ErrInvalidPayload)
			require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
		})
	}
}

func TestParseInformationalWithoutAmount(t *testing.T) {
	ev, err := newParser(t).Parse([]byte(`{"id":"evt_2","event":"PAYMENT_CHECKOUT_VIEWED","payment":{"id":"pay_1"}}`))
	require.NoError(t, err)
	require.True(t, ev.Informational())
}

func TestNewParserOverrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Webhook.Fields = map[string]string{"ambassador_code": "payment.description"}
	cfg.Webhook.Events = map[string]string{"payment_overdue": "ignore", "payment_dunning_received": "completed"}

	p, err := NewParser(cfg)
	require.NoError(t, err)

	ev, err := p.Parse([]byte(`{"id":"e","event":"PAYMENT_OVERDUE","payment":{"id":"p","value":5,"description":"ab12"}}`))
	require.NoError(t, err)
	require.True(t, ev.Informational())
	require.Equal(t, "AB12", ev.AmbassadorCode)

	ev, err = p.Parse([]byte(`{"id":"e2","event":"PAYMENT_DUNNING_RECEIVED","payment":{"id":"p","value":5}}`))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, ev.Status)
}

func TestNewParserRejectsUnknownConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Webhook.Events = map[string]string{"payment_received": "settled"}
	_, err := NewParser(cfg)
	require.Error(t, err)

	cfg = &config.Config{}
	cfg.Webhook.Fields = map[string]string{"nope": "x"}
	_, err = NewParser(cfg)
	require.Error(t, err)
}
