// Package records creates the financial records (invoices, invoice payments
// and sale receipts) that approved documents turn into.
package records

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/ocr-review/internal/extraction"
)

const dateLayout = "2006-01-02"

// Ref points at a created record
type Ref struct {
	Type extraction.DocumentType `json:"type"`
	ID   string                  `json:"id"`
}

// Input is the corrected, normalised data a record is created from. Dates
// are ISO formatted; an unparseable value is left empty.
type Input struct {
	DocumentNumber string              `json:"document_number,omitempty"`
	PartyName      string              `json:"party_name,omitempty"`
	Date           string              `json:"date,omitempty"`
	DueDate        string              `json:"due_date,omitempty"`
	Amount         decimal.NullDecimal `json:"amount"`
	TaxAmount      decimal.NullDecimal `json:"tax_amount"`
	Currency       string              `json:"currency,omitempty"`
	TaxID          string              `json:"tax_id,omitempty"`
	PaymentMode    string              `json:"payment_mode,omitempty"`
	Reference      string              `json:"reference,omitempty"`
	InvoiceNumber  string              `json:"invoice_number,omitempty"`
	Notes          string              `json:"notes,omitempty"`
}

// ParsedDate returns Date as a time, or the zero time when unset
func (in Input) ParsedDate() time.Time {
	t, err := time.Parse(dateLayout, in.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Record is a materialized financial record
type Record struct {
	ID            string                  `json:"id"`
	Type          extraction.DocumentType `json:"type"`
	Number        string                  `json:"number"`
	OCRID         string                  `json:"ocr_id"`
	UserID        string                  `json:"user_id"`
	PartyName     string                  `json:"party_name"`
	Date          string                  `json:"date"`
	DueDate       string                  `json:"due_date,omitempty"`
	Amount        decimal.Decimal         `json:"amount"`
	TaxAmount     decimal.NullDecimal     `json:"tax_amount"`
	Currency      string                  `json:"currency"`
	TaxID         string                  `json:"tax_id,omitempty"`
	PaymentMode   string                  `json:"payment_mode,omitempty"`
	Reference     string                  `json:"reference,omitempty"`
	InvoiceNumber string                  `json:"invoice_number,omitempty"`
	Notes         string                  `json:"notes,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}

// Ref returns the reference to r
func (r *Record) Ref() Ref {
	return Ref{Type: r.Type, ID: r.ID}
}

// field names that carry each part of the input, per document type
var inputFields = map[extraction.DocumentType]struct {
	number, party, date, amount string
}{
	extraction.Invoice:        {extraction.FieldInvoiceNumber, extraction.FieldPartyName, extraction.FieldInvoiceDate, extraction.FieldTotalAmount},
	extraction.InvoicePayment: {extraction.FieldPaymentNumber, extraction.FieldPartyName, extraction.FieldPaymentDate, extraction.FieldAmount},
	extraction.SaleReceipt:    {extraction.FieldReceiptNumber, extraction.FieldCustomerName, extraction.FieldReceiptDate, extraction.FieldTotalAmount},
}

// InputFromFields maps extracted fields onto the record input of docType
func InputFromFields(docType extraction.DocumentType, fields []extraction.Field) Input {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f.Name] = f.Value
	}
	names := inputFields[docType]

	in := Input{
		DocumentNumber: values[names.number],
		PartyName:      values[names.party],
		Date:           isoDate(values[names.date]),
		DueDate:        isoDate(values[extraction.FieldDueDate]),
		Amount:         amount(values[names.amount]),
		TaxAmount:      amount(values[extraction.FieldTaxAmount]),
		Reference:      values[extraction.FieldReference],
	}
	if v := values[extraction.FieldCurrency]; v != "" {
		in.Currency = extraction.NormaliseCurrency(v)
	}
	if v := values[extraction.FieldTaxID]; v != "" {
		in.TaxID = extraction.NormaliseTaxID(v)
	}
	if v := values[extraction.FieldPaymentMode]; v != "" {
		in.PaymentMode = extraction.NormalisePaymentMode(v)
	}
	if docType == extraction.InvoicePayment {
		in.InvoiceNumber = values[extraction.FieldInvoiceNumber]
	}
	return in
}

func isoDate(s string) string {
	if s == "" {
		return ""
	}
	t, err := extraction.ParseDate(s)
	if err != nil {
		return ""
	}
	return t.Format(dateLayout)
}

func amount(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := extraction.ParseAmount(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
