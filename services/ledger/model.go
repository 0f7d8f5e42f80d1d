package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReceived, StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Confirmed reports whether the gateway has confirmed the payment, which makes the
// donation eligible for a receipt and a commission.
func (s Status) Confirmed() bool {
	return s == StatusReceived || s == StatusCompleted
}

// transitions lists the forward moves; anything else is a conflict.
var transitions = map[Status][]Status{
	StatusPending:   {StatusReceived, StatusCompleted, StatusFailed},
	StatusReceived:  {StatusCompleted, StatusRefunded},
	StatusCompleted: {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Donation struct {
	ID             string          `gorm:"column:id;primaryKey"`
	TransactionID  string          `gorm:"column:transaction_id;uniqueIndex;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency       string          `gorm:"column:currency;not null;default:'BRL'"`
	PaymentMethod  string          `gorm:"column:payment_method"`
	CustomerID     string          `gorm:"column:customer_id"`
	DonorName      string          `gorm:"column:donor_name"`
	DonorEmail     string          `gorm:"column:donor_email"`
	DonorDocument  string          `gorm:"column:donor_document"`
	AmbassadorCode string          `gorm:"column:ambassador_code;index"`
	Status         Status          `gorm:"column:status;index;not null"`
	DonatedAt      time.Time       `gorm:"column:donated_at"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Donation) TableName() string { return "donations" }

// DonationTransition is the append-only journal of accepted status changes,
// hash-chained per donation.
type DonationTransition struct {
	ID           string    `gorm:"column:id;primaryKey"`
	DonationID   string    `gorm:"column:donation_id;index;not null"`
	Sequence     int       `gorm:"column:sequence;not null"`
	FromStatus   Status    `gorm:"column:from_status"`
	ToStatus     Status    `gorm:"column:to_status;not null"`
	EventID      string    `gorm:"column:event_id"`
	Actor        Actor     `gorm:"column:actor"`
	PreviousHash string    `gorm:"column:previous_hash"`
	Hash         string    `gorm:"column:hash;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (DonationTransition) TableName() string { return "donation_transitions" }

func (m *DonationTransition) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"donation_id":   m.DonationID,
		"sequence":      fmt.Sprintf("%d", m.Sequence),
		"from_status":   string(m.FromStatus),
		"to_status":     string(m.ToStatus),
		"event_id":      m.EventID,
		"actor":         string(m.Actor),
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *DonationTransition) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Transition is a gateway-reported status for a transaction. Donor fields are
// only used when the transaction is not yet known.
type Transition struct {
	TransactionID  string
	EventID        string
	Status         Status
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	CustomerID     string
	DonorName      string
	DonorEmail     string
	DonorDocument  string
	AmbassadorCode string
	OccurredAt     time.Time
}

var ErrInvalidTransition = errors.New("ledger: invalid transition request")

func (t Transition) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("%w: transaction id required", ErrInvalidTransition)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidTransition)
	}
	return nil
}

type Result struct {
	Donation *Donation
	Previous Status
	Created  bool
	Changed  bool
}
