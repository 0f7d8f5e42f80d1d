package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrContractViolation = errors.New("schema contract violation")

// Version is the single-row table recording which contract the database satisfies.
type Version struct {
	ID        int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version   int       `gorm:"column:version;not null"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (Version) TableName() string { return "schema_versions" }

type Table struct {
	Model   any
	Columns []string
}

type Contract struct {
	Version int
	Tables  []Table
}

func (c Contract) models() []any {
	models := []any{&Version{}}
	for _, t := range c.Tables {
		models = append(models, t.Model)
	}
	return models
}

// Apply migrates when migrate is set, then validates the contract.
func Apply(ctx context.Context, db *gorm.DB, c Contract, migrate bool) error {
	db = db.WithContext(ctx)

	if migrate {
		if err := db.AutoMigrate(c.models()...); err != nil {
			return fmt.Errorf("schema migrate: %w", err)
		}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "applied_at"}),
		}).Create(&Version{ID: 1, Version: c.Version, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("schema record version: %w", err)
		}
		zap.L().Info("[Schema] migrated", zap.Int("version", c.Version))
	}

	return Validate(db, c)
}

// Validate checks every table and column the contract names plus the recorded version.
func Validate(db *gorm.DB, c Contract) error {
	m := db.Migrator()

	var missing []string
	for _, t := range c.Tables {
		if !m.HasTable(t.Model) {
			missing = append(missing, fmt.Sprintf("table for %T", t.Model))
			continue
		}
		for _, col := range t.Columns {
			if !m.HasColumn(t.Model, col) {
				missing = append(missing, fmt.Sprintf("%T.%s", t.Model, col))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrContractViolation, missing)
	}

	if !m.HasTable(&Version{}) {
		return fmt.Errorf("%w: schema_versions table missing", ErrContractViolation)
	}

	var v Version
	res := db.Limit(1).Find(&v, "id = ?", 1)
	if res.Error != nil {
		return fmt.Errorf("schema read version: %w", res.Error)
	}
	if res.RowsAffected == 0 || v.Version != c.Version {
		return fmt.Errorf("%w: database at version %d, expected %d", ErrContractViolation, v.Version, c.Version)
	}

	return nil
}
