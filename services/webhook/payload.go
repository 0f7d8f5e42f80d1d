package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/services/ledger"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("webhook: invalid payload")

// Field keys understood by the parser. Values in configuration are gjson paths.
const (
	FieldEventID        = "event_id"
	FieldEventType      = "event_type"
	FieldOccurredAt     = "occurred_at"
	FieldTransactionID  = "transaction_id"
	FieldAmount         = "amount"
	FieldCurrency       = "currency"
	FieldBillingType    = "billing_type"
	FieldPaymentDate    = "payment_date"
	FieldCustomerID     = "customer_id"
	FieldDonorName      = "donor_name"
	FieldDonorEmail     = "donor_email"
	FieldDonorDocument  = "donor_document"
	FieldAmbassadorCode = "ambassador_code"
)

// DefaultFields matches the Asaas payment webhook body.
var DefaultFields = map[string]string{
	FieldEventID:        "id",
	FieldEventType:      "event",
	FieldOccurredAt:     "dateCreated",
	FieldTransactionID:  "payment.id",
	FieldAmount:         "payment.value",
	FieldCurrency:       "payment.currency",
	FieldBillingType:    "payment.billingType",
	FieldPaymentDate:    "payment.confirmedDate",
	FieldCustomerID:     "payment.customer",
	FieldDonorName:      "payment.customerName",
	FieldDonorEmail:     "payment.customerEmail",
	FieldDonorDocument:  "payment.customerCpfCnpj",
	FieldAmbassadorCode: "payment.externalReference",
}

// DefaultEvents maps Asaas event types to ledger statuses. An empty status marks
// the event as informational: recorded, never applied.
var DefaultEvents = map[string]ledger.Status{
	"PAYMENT_CREATED":                   ledger.StatusPending,
	"PAYMENT_AUTHORIZED":                ledger.StatusPending,
	"PAYMENT_AWAITING_RISK_ANALYSIS":    ledger.StatusPending,
	"PAYMENT_APPROVED_BY_RISK_ANALYSIS": ledger.StatusPending,
	"PAYMENT_CONFIRMED":                 ledger.StatusReceived,
	"PAYMENT_RECEIVED":                  ledger.StatusCompleted,
	"PAYMENT_REFUNDED":                  ledger.StatusRefunded,
	"PAYMENT_PARTIALLY_REFUNDED":        ledger.StatusRefunded,
	"PAYMENT_CHARGEBACK_REQUESTED":      ledger.StatusRefunded,
	"PAYMENT_CHARGEBACK_DISPUTE":        ledger.StatusRefunded,
	"PAYMENT_DELETED":                   ledger.StatusFailed,
	"PAYMENT_REPROVED_BY_RISK_ANALYSIS": ledger.StatusFailed,
	"PAYMENT_OVERDUE":                   ledger.StatusFailed,
	"PAYMENT_UPDATED":                   "",
	"PAYMENT_CHECKOUT_VIEWED":           "",
	"PAYMENT_BANK_SLIP_VIEWED":          "",
}

// Event is a validated webhook delivery.
type Event struct {
	ID             string
	Type           string
	TransactionID  string
	Status         ledger.Status
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	CustomerID     string
	DonorName      string
	DonorEmail     string
	DonorDocument  string
	AmbassadorCode string
	OccurredAt     time.Time
	Raw            []byte
}

// Informational events carry no status change.
func (e *Event) Informational() bool {
	return e.Status == ""
}

func (e *Event) Transition() ledger.Transition {
	return ledger.Transition{
		TransactionID:  e.TransactionID,
		EventID:        e.ID,
		Status:         e.Status,
		Amount:         e.Amount,
		Currency:       e.Currency,
		PaymentMethod:  e.PaymentMethod,
		CustomerID:     e.CustomerID,
		DonorName:      e.DonorName,
		DonorEmail:     e.DonorEmail,
		DonorDocument:  e.DonorDocument,
		AmbassadorCode: e.AmbassadorCode,
		OccurredAt:     e.OccurredAt,
	}
}

type Parser struct {
	fields map[string]string
	events map[string]ledger.Status
}

// NewParser overlays configured field paths and event mappings on the defaults.
// A configured event value of "ignore" or "" makes the event informational.
func NewParser(cfg *config.Config) (*Parser, error) {
	p := &Parser{
		fields: make(map[string]string, len(DefaultFields)),
		events: make(map[string]ledger.Status, len(DefaultEvents)),
	}
	for k, v := range DefaultFields {
		p.fields[k] = v
	}
	for k, v := range DefaultEvents {
		p.events[k] = v
	}

	for k, v := range cfg.Webhook.Fields {
		key := strings.ToLower(k)
		if _, ok := DefaultFields[key]; !ok {
			return nil, fmt.Errorf("webhook field %q is not recognised", k)
		}
		p.fields[key] = v
	}

	for k, v := range cfg.Webhook.Events {
		status := ledger.Status(strings.ToLower(strings.TrimSpace(v)))
		if status == "ignore" {
			status = ""
		}
		if status != "" && !status.Valid() {
			return nil, fmt.Errorf("webhook event %q maps to unknown status %q", k, v)
		}
		// viper lower-cases map keys; gateway event types are upper case
		p.events[strings.ToUpper(k)] = status
	}

	return p, nil
}

func invalid(field, message string) error {
	return errutil.ValidationFailed("invalid webhook payload",
		fmt.Errorf("%w: %s %s", ErrInvalidPayload, field, message),
		errutil.WithDetails(errutil.Detail{Field: field, Message: message}),
	)
}

func (p *Parser) get(raw []byte, field string) gjson.Result {
	return gjson.GetBytes(raw, p.fields[field])
}

func (p *Parser) str(raw []byte, field string) string {
	return strings.TrimSpace(p.get(raw, field).String())
}

// Parse validates raw and resolves the ledger status for its event type.
func (p *Parser) Parse(raw []byte) (*Event, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, invalid("body", "is not valid JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, invalid("body", "must be a JSON object")
	}

	ev := &Event{
		ID:             p.str(raw, FieldEventID),
		Type:           p.str(raw, FieldEventType),
		TransactionID:  p.str(raw, FieldTransactionID),
		Currency:       strings.ToUpper(p.str(raw, FieldCurrency)),
		PaymentMethod:  p.str(raw, FieldBillingType),
		CustomerID:     p.str(raw, FieldCustomerID),
		DonorName:      p.str(raw, FieldDonorName),
		DonorEmail:     strings.ToLower(p.str(raw, FieldDonorEmail)),
		DonorDocument:  p.str(raw, FieldDonorDocument),
		AmbassadorCode: strings.ToUpper(p.str(raw, FieldAmbassadorCode)),
		Raw:            raw,
	}

	switch {
	case ev.ID == "":
		return nil, invalid(p.fields[FieldEventID], "is required")
	case ev.Type == "":
		return nil, invalid(p.fields[FieldEventType], "is required")
	case ev.TransactionID == "":
		return nil, invalid(p.fields[FieldTransactionID], "is required")
	}

	status, known := p.events[ev.Type]
	if !known {
		zap.L().Warn("unmapped webhook event type, recording as informational",
			zap.String("event_type", ev.Type), zap.String("event_id", ev.ID))
	}
	ev.Status = status

	amount := p.get(raw, FieldAmount)
	if amount.Exists() {
		value, err := decimal.NewFromString(amount.String())
		if err != nil {
			return nil, invalid(p.fields[FieldAmount], "is not a number")
		}
		ev.Amount = value
	}
	if !ev.Informational() && !ev.Amount.IsPositive() {
		return nil, invalid(p.fields[FieldAmount], "must be a positive amount")
	}

	ev.OccurredAt = parseTime(p.str(raw, FieldPaymentDate))
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = parseTime(p.str(raw, FieldOccurredAt))
	}

	return ev, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the gateway's date formats; Asaas local times are São Paulo.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
