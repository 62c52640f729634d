package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ocr-review/internal/extraction"
)

// ErrInvalidInput is returned when the input lacks what the target record
// type requires
var ErrInvalidInput = errors.New("invalid record input")

// DefaultCurrency is used when a document does not state one
const DefaultCurrency = "INR"

// Request asks for one record to be created from an approved document
type Request struct {
	OCRID        string
	UserID       string
	DocumentType extraction.DocumentType
	Input        Input
}

// Materializer maps approved document data onto financial records. It does
// not guard against being called twice; the store's OCR index makes a repeat
// call return the first record.
type Materializer struct {
	store Store
	newID func() string
	now   func() time.Time
}

// NewMaterializer creates a Materializer backed by store
func NewMaterializer(store Store) *Materializer {
	return &Materializer{
		store: store,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Materialize validates req and creates the record
func (m *Materializer) Materialize(ctx context.Context, req Request) (Ref, error) {
	if err := Validate(req.DocumentType, req.Input); err != nil {
		return Ref{}, err
	}

	in := req.Input
	currency := in.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	rec := &Record{
		ID:          m.newID(),
		Type:        req.DocumentType,
		Number:      strings.TrimSpace(in.DocumentNumber),
		OCRID:       req.OCRID,
		UserID:      req.UserID,
		PartyName:   strings.TrimSpace(in.PartyName),
		Date:        in.Date,
		DueDate:     in.DueDate,
		Amount:      in.Amount.Decimal,
		TaxAmount:   in.TaxAmount,
		Currency:    currency,
		TaxID:       in.TaxID,
		PaymentMode: in.PaymentMode,
		Reference:   in.Reference,
		Notes:       in.Notes,
		CreatedAt:   m.now().UTC(),
	}
	if req.DocumentType == extraction.InvoicePayment {
		rec.InvoiceNumber = in.InvoiceNumber
	}

	ref, err := m.store.Create(ctx, rec)
	if err != nil {
		return Ref{}, fmt.Errorf("creating %s: %w", req.DocumentType, err)
	}
	return ref, nil
}

// Validate reports every required value missing from in
func Validate(docType extraction.DocumentType, in Input) error {
	if _, ok := typeBuckets[docType]; !ok {
		return fmt.Errorf("%w: unknown document type %q", ErrInvalidInput, docType)
	}

	var problems []string
	if strings.TrimSpace(in.PartyName) == "" {
		problems = append(problems, "party name is required")
	}
	if in.ParsedDate().IsZero() {
		problems = append(problems, "date is required")
	}
	switch {
	case !in.Amount.Valid:
		problems = append(problems, "amount is required")
	case !in.Amount.Decimal.IsPositive():
		problems = append(problems, "amount must be positive")
	}
	if in.TaxAmount.Valid && in.TaxAmount.Decimal.IsNegative() {
		problems = append(problems, "tax amount must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
