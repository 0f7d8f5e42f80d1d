package webhook

import (
	"context"
	"errors"
	"time"

	"donation-reconciler/pkg/db/option"
	"donation-reconciler/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTransactionRequired = errors.New("webhook: record must run inside a transaction")

type Deduplicator struct {
	db     *gorm.DB
	node   *snowflake.Node
	events repository.Repository[WebhookEvent]
}

type DeduplicatorParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewDeduplicator(p DeduplicatorParams) *Deduplicator {
	return &Deduplicator{
		db:     p.DB,
		node:   p.Node,
		events: repository.ProvideStore[WebhookEvent](p.DB),
	}
}

// Seen is a cheap pre-check outside any transaction. Record is the authority.
func (d *Deduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	count, err := d.events.Count(ctx, &WebhookEvent{EventID: eventID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Record inserts the event inside tx with ON CONFLICT DO NOTHING. AlreadySeen
// means another delivery committed first and the caller must roll back.
func (d *Deduplicator) Record(ctx context.Context, tx *gorm.DB, ev *Event, outcome Outcome) (Verdict, error) {
	if tx == nil {
		return 0, ErrTransactionRequired
	}

	row := &WebhookEvent{
		ID:            d.node.Generate().String(),
		EventID:       ev.ID,
		EventType:     ev.Type,
		TransactionID: ev.TransactionID,
		Payload:       datatypes.JSON(ev.Raw),
		Outcome:       outcome,
		ProcessedAt:   time.Now().UTC(),
	}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}

func (d *Deduplicator) Get(ctx context.Context, eventID string) (*WebhookEvent, error) {
	return d.events.FindOne(ctx, &WebhookEvent{EventID: eventID})
}

// ListByOutcome surfaces recorded events, newest first, e.g. conflicts for operators.
func (d *Deduplicator) ListByOutcome(ctx context.Context, outcome Outcome, limit int) ([]*WebhookEvent, error) {
	return d.events.Find(ctx, &WebhookEvent{Outcome: outcome},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "processed_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"processed_at": true},
		}),
		option.WithLimit(limit),
	)
}
