package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is issued once per confirmed donation. Donation fields are copied at
// issuance so the document never changes after the fact.
type Receipt struct {
	ID               string `gorm:"column:id;primaryKey"`
	DonationID       string `gorm:"column:donation_id;uniqueIndex;not null"`
	ReceiptNumber    string `gorm:"column:receipt_number;uniqueIndex;not null"`
	VerificationHash string `gorm:"column:verification_hash;not null"`

	TransactionID string          `gorm:"column:transaction_id;index"`
	DonorName     string          `gorm:"column:donor_name"`
	DonorEmail    string          `gorm:"column:donor_email"`
	DonorDocument string          `gorm:"column:donor_document"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency      string          `gorm:"column:currency;not null;default:'BRL'"`
	AmountInWords string          `gorm:"column:amount_in_words"`
	PaymentMethod string          `gorm:"column:payment_method"`
	DonatedAt     time.Time       `gorm:"column:donated_at"`

	EmailSent      bool       `gorm:"column:email_sent;not null;default:false;index"`
	EmailSentAt    *time.Time `gorm:"column:email_sent_at"`
	EmailAttempts  int        `gorm:"column:email_attempts;not null;default:0"`
	ManualResends  int        `gorm:"column:manual_resends;not null;default:0"`
	LastEmailError string     `gorm:"column:last_email_error"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Receipt) TableName() string { return "receipts" }

// Document is what a renderer needs to produce the receipt.
type Document struct {
	Receipt      *Receipt
	Organization Organization
	IssuedAt     time.Time
	DonatedAt    time.Time
	VerifyURL    string
}

type Organization struct {
	Name     string
	Document string
	Address  string
	Email    string
}
