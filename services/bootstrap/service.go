package bootstrap

import (
	"context"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/schema"
	"donation-reconciler/pkg/sequence"
	"donation-reconciler/services/commission"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/notification"
	"donation-reconciler/services/receipt"
	"donation-reconciler/services/webhook"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchemaVersion is bumped whenever Contract changes.
const SchemaVersion = 1

// Contract lists every table and the columns the pipeline reads or writes.
func Contract() schema.Contract {
	return schema.Contract{
		Version: SchemaVersion,
		Tables: []schema.Table{
			{Model: &ledger.Donation{}, Columns: []string{"id", "transaction_id", "amount", "status", "donor_email", "ambassador_code", "donated_at"}},
			{Model: &ledger.DonationTransition{}, Columns: []string{"id", "donation_id", "sequence", "to_status", "previous_hash", "hash"}},
			{Model: &webhook.WebhookEvent{}, Columns: []string{"id", "event_id", "event_type", "outcome", "payload"}},
			{Model: &receipt.Receipt{}, Columns: []string{"id", "donation_id", "receipt_number", "verification_hash", "email_sent", "email_attempts", "manual_resends", "last_email_error"}},
			{Model: &sequence.Sequence{}, Columns: []string{"name", "last_value"}},
			{Model: &notification.EmailAttempt{}, Columns: []string{"id", "receipt_id", "kind", "attempt", "success"}},
			{Model: &commission.Commission{}, Columns: []string{"id", "donation_id", "ambassador_code", "commission_amount", "rate"}},
			{Model: &commission.Ambassador{}, Columns: []string{"id", "code", "active"}},
		},
	}
}

type Service struct {
	db     *gorm.DB
	config *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		config: p.Config,
	}
}

// Migrate brings the database up to Contract when auto-migration is enabled and
// refuses to start otherwise unless the database already satisfies it.
func (s *Service) Migrate(ctx context.Context) error {
	migrate := s.config.Database.AutoMigrate
	if err := schema.Apply(ctx, s.db, Contract(), migrate); err != nil {
		zap.L().Error("[bootstrap] schema contract not satisfied", zap.Bool("auto_migrate", migrate), zap.Error(err))
		return err
	}
	zap.L().Info("[bootstrap] schema ready", zap.Int("version", SchemaVersion))
	return nil
}
