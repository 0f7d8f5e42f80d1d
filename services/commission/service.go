package commission

import (
	"context"
	"errors"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/repository"
	"donation-reconciler/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCommissionIneligible = errors.New("commission: donation not eligible")

// Calculate rounds half away from zero to cents, which is half-up for the
// non-negative amounts a donation carries.
func Calculate(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	rate        decimal.Decimal
	resolver    Resolver
	commissions repository.Repository[Commission]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Resolver Resolver
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		rate:        p.Config.CommissionRate(),
		resolver:    p.Resolver,
		commissions: repository.ProvideStore[Commission](p.DB),
	}
}

func (s *Service) Rate() decimal.Decimal {
	return s.rate
}

// Compute derives the commission for a donation without writing anything.
// Ineligible donations return ErrCommissionIneligible.
func (s *Service) Compute(ctx context.Context, donation *ledger.Donation) (*Commission, error) {
	zapLog := zap.L().With(
		zap.String("donation_id", donation.ID),
		zap.String("ambassador_code", donation.AmbassadorCode),
	)

	if !donation.Status.Confirmed() {
		return nil, ErrCommissionIneligible
	}
	if donation.AmbassadorCode == "" {
		return nil, ErrCommissionIneligible
	}

	ambassador, err := s.resolver.Resolve(ctx, donation.AmbassadorCode)
	if err != nil {
		zapLog.Error("failed to resolve ambassador", zap.Error(err))
		return nil, err
	}
	if ambassador == nil {
		zapLog.Warn("ambassador code does not resolve to an active referrer")
		return nil, ErrCommissionIneligible
	}

	return &Commission{
		DonationID:       donation.ID,
		AmbassadorCode:   ambassador.Code,
		GrossAmount:      donation.Amount,
		CommissionAmount: Calculate(donation.Amount, s.rate),
		Rate:             s.rate,
	}, nil
}

// Record stores c once per donation. It reports whether this call inserted the row.
func (s *Service) Record(ctx context.Context, c *Commission) (bool, error) {
	if c.ID == "" {
		c.ID = s.node.Generate().String()
	}
	if c.ComputedAt.IsZero() {
		c.ComputedAt = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "donation_id"}}, DoNothing: true}).
		Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ComputeAndRecord is the pipeline entry point; ineligible donations are not errors.
func (s *Service) ComputeAndRecord(ctx context.Context, donation *ledger.Donation) (*Commission, error) {
	c, err := s.Compute(ctx, donation)
	if errors.Is(err, ErrCommissionIneligible) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	created, err := s.Record(ctx, c)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.GetByDonation(ctx, donation.ID)
	}

	zap.L().Info("commission recorded",
		zap.String("donation_id", donation.ID),
		zap.String("ambassador_code", c.AmbassadorCode),
		zap.String("commission_amount", c.CommissionAmount.StringFixed(2)),
	)
	return c, nil
}

func (s *Service) GetByDonation(ctx context.Context, donationID string) (*Commission, error) {
	return s.commissions.FindOne(ctx, &Commission{DonationID: donationID})
}
