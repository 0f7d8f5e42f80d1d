package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donation-reconciler/pkg/db/option"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("sequence",
	fx.Provide(NewDBGenerator),
)

var ErrNoTransaction = errors.New("sequence: a transaction is required")

// Sequence holds the last value handed out for one partition (e.g. "receipt:2025").
type Sequence struct {
	Name      string    `gorm:"column:name;primaryKey;size:64"`
	LastValue int64     `gorm:"column:last_value;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Sequence) TableName() string { return "sequences" }

type Generator interface {
	// Next increments the named counter inside tx. Values are gapless as long as
	// the caller commits or rolls back tx together with whatever consumed the value.
	Next(ctx context.Context, tx *gorm.DB, name string) (int64, error)
}

type DBGenerator struct{}

func NewDBGenerator() Generator {
	return &DBGenerator{}
}

func (g *DBGenerator) Next(ctx context.Context, tx *gorm.DB, name string) (int64, error) {
	if tx == nil {
		return 0, ErrNoTransaction
	}
	tx = tx.WithContext(ctx)

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Sequence{Name: name, UpdatedAt: time.Now().UTC()}).Error; err != nil {
		return 0, fmt.Errorf("sequence %s: ensure row: %w", name, err)
	}

	var seq Sequence
	if err := tx.Scopes(option.LockingUpdate).Where("name = ?", name).Take(&seq).Error; err != nil {
		return 0, fmt.Errorf("sequence %s: lock row: %w", name, err)
	}

	next := seq.LastValue + 1
	if err := tx.Model(&Sequence{}).Where("name = ?", name).Updates(map[string]any{
		"last_value": next,
		"updated_at": time.Now().UTC(),
	}).Error; err != nil {
		return 0, fmt.Errorf("sequence %s: advance: %w", name, err)
	}

	return next, nil
}
