package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commission is the share of a confirmed donation owed to its ambassador.
// Payout happens elsewhere; this row only records what is owed.
type Commission struct {
	ID               string          `gorm:"column:id;primaryKey"`
	DonationID       string          `gorm:"column:donation_id;uniqueIndex;not null"`
	AmbassadorCode   string          `gorm:"column:ambassador_code;index;not null"`
	GrossAmount      decimal.Decimal `gorm:"column:gross_amount;type:numeric(12,2);not null"`
	CommissionAmount decimal.Decimal `gorm:"column:commission_amount;type:numeric(12,2);not null"`
	Rate             decimal.Decimal `gorm:"column:rate;type:numeric(5,4);not null"`
	ComputedAt       time.Time       `gorm:"column:computed_at"`
}

func (Commission) TableName() string { return "commissions" }

type Ambassador struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Code      string    `gorm:"column:code;uniqueIndex;not null"`
	Name      string    `gorm:"column:name"`
	WalletID  string    `gorm:"column:wallet_id"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Ambassador) TableName() string { return "ambassadors" }
