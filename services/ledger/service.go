package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donation-reconciler/pkg/db/option"
	"donation-reconciler/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTransitionConflict = errors.New("ledger: transition conflict")
	ErrDonationNotFound   = errors.New("ledger: donation not found")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	donations   repository.Repository[Donation]
	transitions repository.Repository[DonationTransition]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		donations:   repository.ProvideStore[Donation](p.DB),
		transitions: repository.ProvideStore[DonationTransition](p.DB),
	}
}

func logFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return append([]zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}, fields...)
}

// Apply records a gateway transition. When tx is non-nil the work joins the
// caller's transaction so it commits together with the caller's own writes.
func (s *Service) Apply(ctx context.Context, tx *gorm.DB, actor Actor, t Transition) (*Result, error) {
	if err := authorize(actor, OpApplyTransition); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if tx != nil {
		return s.apply(ctx, tx, actor, t)
	}

	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.apply(ctx, tx, actor, t)
		return err
	})
	return res, err
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, actor Actor, t Transition) (*Result, error) {
	zapLog := zap.L().With(logFields(ctx,
		zap.String("transaction_id", t.TransactionID),
		zap.String("event_id", t.EventID),
		zap.String("requested_status", string(t.Status)),
	)...)

	donationTx := s.donations.WithTrx(tx)
	donation, err := donationTx.FindOne(ctx, &Donation{TransactionID: t.TransactionID}, option.WithLockingUpdate())
	if err != nil {
		zapLog.Error("failed to query donation", zap.Error(err))
		return nil, err
	}

	res := &Result{}
	if donation == nil {
		if !t.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: amount required to create donation", ErrInvalidTransition)
		}

		donation, err = s.create(ctx, tx, actor, t)
		if err != nil {
			zapLog.Error("failed to create donation", zap.Error(err))
			return nil, err
		}
		res.Created = true
		zapLog.Info("donation created", zap.String("donation_id", donation.ID))
	}

	res.Previous = donation.Status
	res.Donation = donation

	if t.Status == donation.Status {
		return res, nil
	}

	if !CanTransition(donation.Status, t.Status) {
		zapLog.Warn("rejected transition", zap.String("current_status", string(donation.Status)))
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransitionConflict, donation.Status, t.Status)
	}

	now := time.Now().UTC()
	if err := donationTx.Update(ctx, donation.ID, map[string]any{
		"status":     t.Status,
		"updated_at": now,
	}); err != nil {
		zapLog.Error("failed to update donation status", zap.Error(err))
		return nil, err
	}

	if err := s.appendTransition(ctx, tx, donation.ID, donation.Status, t.Status, t.EventID, actor); err != nil {
		return nil, err
	}

	donation.Status = t.Status
	donation.UpdatedAt = now
	res.Changed = true

	zapLog.Info("donation status changed", zap.String("from", string(res.Previous)), zap.String("to", string(t.Status)))

	return res, nil
}

func (s *Service) create(ctx context.Context, tx *gorm.DB, actor Actor, t Transition) (*Donation, error) {
	now := time.Now().UTC()
	donatedAt := t.OccurredAt
	if donatedAt.IsZero() {
		donatedAt = now
	}
	currency := t.Currency
	if currency == "" {
		currency = "BRL"
	}

	donation := &Donation{
		ID:             s.node.Generate().String(),
		TransactionID:  t.TransactionID,
		Amount:         t.Amount.Round(2),
		Currency:       currency,
		PaymentMethod:  t.PaymentMethod,
		CustomerID:     t.CustomerID,
		DonorName:      t.DonorName,
		DonorEmail:     t.DonorEmail,
		DonorDocument:  t.DonorDocument,
		AmbassadorCode: t.AmbassadorCode,
		Status:         StatusPending,
		DonatedAt:      donatedAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.donations.WithTrx(tx).Create(ctx, donation); err != nil {
		return nil, err
	}

	if err := s.appendTransition(ctx, tx, donation.ID, "", StatusPending, t.EventID, actor); err != nil {
		return nil, err
	}

	return donation, nil
}

func (s *Service) appendTransition(ctx context.Context, tx *gorm.DB, donationID string, from, to Status, eventID string, actor Actor) error {
	last, err := s.transitions.WithTrx(tx).FindOne(ctx, &DonationTransition{DonationID: donationID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}))
	if err != nil {
		return err
	}

	entry := &DonationTransition{
		ID:         s.node.Generate().String(),
		DonationID: donationID,
		Sequence:   1,
		FromStatus: from,
		ToStatus:   to,
		EventID:    eventID,
		Actor:      actor,
		// storage keeps millisecond precision at best; hash what will be read back
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	return s.transitions.WithTrx(tx).Create(ctx, entry)
}

func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Donation, error) {
	if err := authorize(actor, OpRead); err != nil {
		return nil, err
	}
	donation, err := s.donations.FindOne(ctx, &Donation{ID: id})
	if err != nil {
		return nil, err
	}
	if donation == nil {
		return nil, ErrDonationNotFound
	}
	return donation, nil
}

func (s *Service) GetByTransactionID(ctx context.Context, actor Actor, transactionID string) (*Donation, error) {
	if err := authorize(actor, OpRead); err != nil {
		return nil, err
	}
	donation, err := s.donations.FindOne(ctx, &Donation{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	if donation == nil {
		return nil, ErrDonationNotFound
	}
	return donation, nil
}

// ListConfirmedWithoutReceipt returns confirmed donations that have no row in
// receipts, oldest first.
func (s *Service) ListConfirmedWithoutReceipt(ctx context.Context, actor Actor, limit int) ([]*Donation, error) {
	if err := authorize(actor, OpRead); err != nil {
		return nil, err
	}

	var out []*Donation
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusReceived, StatusCompleted}).
		Where("NOT EXISTS (SELECT 1 FROM receipts r WHERE r.donation_id = donations.id)").
		Order("donated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the journal for a donation in order.
func (s *Service) History(ctx context.Context, actor Actor, donationID string) ([]*DonationTransition, error) {
	if err := authorize(actor, OpRead); err != nil {
		return nil, err
	}
	return s.transitions.Find(ctx, &DonationTransition{DonationID: donationID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "asc",
			Allow:   map[string]bool{"sequence": true},
		}))
}

// VerifyChain recomputes every journal hash and link. It returns false, nil when
// the chain has been tampered with.
func (s *Service) VerifyChain(ctx context.Context, actor Actor, donationID string) (bool, error) {
	if err := authorize(actor, OpVerify); err != nil {
		return false, err
	}

	entries, err := s.transitions.Find(ctx, &DonationTransition{DonationID: donationID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "asc",
			Allow:   map[string]bool{"sequence": true},
		}))
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, ErrDonationNotFound
	}

	prev := ""
	for i, e := range entries {
		if e.Sequence != i+1 || e.PreviousHash != prev || e.GenerateHash() != e.Hash {
			zap.L().Warn("transition chain broken",
				zap.String("donation_id", donationID),
				zap.Int("sequence", e.Sequence),
			)
			return false, nil
		}
		prev = e.Hash
	}

	return true, nil
}
