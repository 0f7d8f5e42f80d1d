package webhook

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"donation-reconciler/services/testutil"
)

func newTestDeduplicator(t *testing.T) (*Deduplicator, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &WebhookEvent{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewDeduplicator(DeduplicatorParams{DB: db, Node: node}), db
}

func TestRecordFirstThenAlreadySeen(t *testing.T) {
	ctx := context.Background()
	d, db := newTestDeduplicator(t)
	ev := &Event{ID: "evt_1", Type: "PAYMENT_RECEIVED", TransactionID: "pay_1", Raw: []byte(`{"id":"evt_1"}`)}

	seen, err := d.Seen(ctx, ev.ID)
	require.NoError(t, err)
	require.False(t, seen)

	var verdict Verdict
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		verdict, err = d.Record(ctx, tx, ev, OutcomeApplied)
		return err
	}))
	require.Equal(t, FirstSeen, verdict)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		verdict, err = d.Record(ctx, tx, ev, OutcomeNoop)
		return err
	}))
	require.Equal(t, AlreadySeen, verdict)

	seen, err = d.Seen(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, seen)

	stored, err := d.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, stored.Outcome)
}

func TestRecordRequiresTransaction(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	_, err := d.Record(context.Background(), nil, &Event{ID: "evt_1"}, OutcomeApplied)
	require.ErrorIs(t, err, ErrTransactionRequired)
}

func TestRecordRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	d, db := newTestDeduplicator(t)
	ev := &Event{ID: "evt_rb", Type: "PAYMENT_RECEIVED", TransactionID: "pay_1"}

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := d.Record(ctx, tx, ev, OutcomeApplied); err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	seen, err := d.Seen(ctx, ev.ID)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestListByOutcome(t *testing.T) {
	ctx := context.Background()
	d, db := newTestDeduplicator(t)

	for i, outcome := range []Outcome{OutcomeConflict, OutcomeApplied, OutcomeConflict} {
		ev := &Event{ID: "evt_" + string(rune('a'+i)), Type: "PAYMENT_DELETED", TransactionID: "pay_1"}
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			_, err := d.Record(ctx, tx, ev, outcome)
			return err
		}))
	}

	conflicts, err := d.ListByOutcome(ctx, OutcomeConflict, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
}
