package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db/option"
	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/pkg/metrics"
	"donation-reconciler/pkg/repository"
	"donation-reconciler/pkg/sequence"
	"donation-reconciler/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDonationNotEligible = errors.New("receipt: donation is not confirmed")
	ErrReceiptNotFound     = errors.New("receipt: not found")
	ErrHashMismatch        = errors.New("receipt: hash mismatch")

	errAlreadyIssued = errors.New("receipt: already issued")
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	seq       sequence.Generator
	renderer  Renderer
	documents DocumentStore
	receipts  repository.Repository[Receipt]

	secret        []byte
	prefix        string
	location      *time.Location
	publicURL     string
	verifyURL     string
	renderTimeout time.Duration
	organization  Organization
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Sequence  sequence.Generator
	Renderer  Renderer
	Documents DocumentStore `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	cfg := p.Config
	return &Service{
		db:        p.DB,
		node:      p.Node,
		seq:       p.Sequence,
		renderer:  p.Renderer,
		documents: p.Documents,
		receipts:  repository.ProvideStore[Receipt](p.DB),

		secret:        []byte(cfg.Receipt.Secret),
		prefix:        cfg.Receipt.Prefix,
		location:      cfg.ReceiptLocation(),
		publicURL:     strings.TrimRight(cfg.Server.PublicURL, "/"),
		verifyURL:     strings.TrimRight(cfg.Receipt.VerifyURL, "/"),
		renderTimeout: cfg.Receipt.RenderTimeout,
		organization: Organization{
			Name:     cfg.Receipt.Organization.Name,
			Document: cfg.Receipt.Organization.Document,
			Address:  cfg.Receipt.Organization.Address,
			Email:    cfg.Receipt.Organization.Email,
		},
	}
}

func logFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return append([]zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}, fields...)
}

func sequenceName(year int) string {
	return fmt.Sprintf("receipt:%d", year)
}

// Issue returns the receipt for donation, creating it the first time. Numbering
// is allocated in the same transaction as the insert, so a losing concurrent
// issuer rolls back its number along with its row.
func (s *Service) Issue(ctx context.Context, donation *ledger.Donation) (*Receipt, error) {
	zapLog := zap.L().With(logFields(ctx, zap.String("donation_id", donation.ID))...)

	if !donation.Status.Confirmed() {
		return nil, fmt.Errorf("%w: status %s", ErrDonationNotEligible, donation.Status)
	}

	existing, err := s.receipts.FindOne(ctx, &Receipt{DonationID: donation.ID})
	if err != nil {
		zapLog.Error("failed to look up receipt", zap.Error(err))
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	year := now.In(s.location).Year()

	var issued *Receipt
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.seq.Next(ctx, tx, sequenceName(year))
		if err != nil {
			return err
		}

		r := &Receipt{
			ID:            s.node.Generate().String(),
			DonationID:    donation.ID,
			ReceiptNumber: fmt.Sprintf("%s-%d-%06d", s.prefix, year, n),
			TransactionID: donation.TransactionID,
			DonorName:     donation.DonorName,
			DonorEmail:    donation.DonorEmail,
			DonorDocument: donation.DonorDocument,
			Amount:        donation.Amount,
			Currency:      donation.Currency,
			AmountInWords: AmountInWords(donation.Amount),
			PaymentMethod: donation.PaymentMethod,
			DonatedAt:     donation.DonatedAt,
			CreatedAt:     now,
		}
		r.VerificationHash = ComputeHash(s.secret, r.ID, r.DonationID)

		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "donation_id"}}, DoNothing: true}).Create(r)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyIssued
		}
		issued = r
		return nil
	})

	if errors.Is(err, errAlreadyIssued) {
		zapLog.Info("receipt issued concurrently, returning existing")
		existing, err := s.receipts.FindOne(ctx, &Receipt{DonationID: donation.ID})
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrReceiptNotFound
		}
		return existing, nil
	}
	if err != nil {
		zapLog.Error("failed to issue receipt", zap.Error(err))
		return nil, err
	}

	metrics.ReceiptsIssued.Inc()
	zapLog.Info("receipt issued",
		zap.String("receipt_id", issued.ID),
		zap.String("receipt_number", issued.ReceiptNumber),
	)
	return issued, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	r, err := s.receipts.FindOne(ctx, &Receipt{ID: id})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrReceiptNotFound
	}
	return r, nil
}

func (s *Service) GetByDonation(ctx context.Context, donationID string) (*Receipt, error) {
	r, err := s.receipts.FindOne(ctx, &Receipt{DonationID: donationID})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrReceiptNotFound
	}
	return r, nil
}

func (s *Service) VerifyHash(r *Receipt, hash string) bool {
	return VerifyHash(s.secret, r.ID, r.DonationID, hash)
}

// DocumentURL is the capability URL for the rendered receipt.
func (s *Service) DocumentURL(r *Receipt) string {
	q := url.Values{}
	q.Set("receiptId", r.ID)
	q.Set("hash", r.VerificationHash)
	return s.publicURL + "/receipts/pdf?" + q.Encode()
}

func (s *Service) VerifyURL(r *Receipt) string {
	return s.verifyURL + "/" + r.VerificationHash
}

func (s *Service) Organization() Organization {
	return s.organization
}

// Document authorizes by hash and renders the receipt. An unknown receipt and a
// wrong hash are indistinguishable to the caller.
func (s *Service) Document(ctx context.Context, receiptID, hash string) ([]byte, string, error) {
	r, err := s.receipts.FindOne(ctx, &Receipt{ID: receiptID})
	if err != nil {
		return nil, "", err
	}
	if r == nil {
		// still spend the comparison so timing does not reveal existence
		VerifyHash(s.secret, receiptID, "", hash)
		return nil, "", ErrHashMismatch
	}
	if !s.VerifyHash(r, hash) {
		return nil, "", ErrHashMismatch
	}
	return s.Render(ctx, r)
}

func documentKey(r *Receipt) string {
	return "receipts/" + r.ReceiptNumber + ".html"
}

// Render produces the document under the configured timeout, reusing a cached
// copy when an object store is wired.
func (s *Service) Render(ctx context.Context, r *Receipt) ([]byte, string, error) {
	zapLog := zap.L().With(logFields(ctx, zap.String("receipt_id", r.ID))...)

	if s.documents != nil {
		body, found, err := s.documents.Get(ctx, documentKey(r))
		if err != nil {
			zapLog.Warn("document cache read failed", zap.Error(err))
		} else if found {
			return body, ContentTypeHTML, nil
		}
	}

	if s.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.renderTimeout)
		defer cancel()
	}

	type rendered struct {
		body        []byte
		contentType string
		err         error
	}
	done := make(chan rendered, 1)
	doc := &Document{
		Receipt:      r,
		Organization: s.organization,
		IssuedAt:     r.CreatedAt.In(s.location),
		DonatedAt:    r.DonatedAt.In(s.location),
		VerifyURL:    s.VerifyURL(r),
	}
	go func() {
		body, ct, err := s.renderer.Render(ctx, doc)
		done <- rendered{body, ct, err}
	}()

	var out rendered
	select {
	case <-ctx.Done():
		zapLog.Error("receipt render timed out", zap.Error(ctx.Err()))
		return nil, "", ctx.Err()
	case out = <-done:
	}
	if out.err != nil {
		zapLog.Error("failed to render receipt", zap.Error(out.err))
		return nil, "", out.err
	}

	if s.documents != nil {
		if err := s.documents.Put(ctx, documentKey(r), out.contentType, out.body); err != nil {
			zapLog.Warn("document cache write failed", zap.Error(err))
		}
	}
	return out.body, out.contentType, nil
}

// ListUnsent returns receipts still eligible for an automatic email attempt.
func (s *Service) ListUnsent(ctx context.Context, maxAttempts, limit int) ([]*Receipt, error) {
	var out []*Receipt
	err := s.db.WithContext(ctx).
		Where("email_sent = ? AND email_attempts < ?", false, maxAttempts).
		Scopes(option.WithLimit(limit)).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListStuck returns unsent receipts whose automatic attempts are exhausted.
func (s *Service) ListStuck(ctx context.Context, maxAttempts int, page pagination.Pagination) ([]*Receipt, *pagination.PageInfo, error) {
	scope, err := page.Scope()
	if err != nil {
		return nil, nil, err
	}

	var out []*Receipt
	err = s.db.WithContext(ctx).
		Where("email_sent = ? AND email_attempts >= ?", false, maxAttempts).
		Scopes(scope).
		Find(&out).Error
	if err != nil {
		return nil, nil, err
	}

	out, info := pagination.BuildCursorPageInfo(out, page, func(r *Receipt) string {
		return pagination.NewCursor(r.CreatedAt, r.ID)
	})
	return out, info, nil
}
