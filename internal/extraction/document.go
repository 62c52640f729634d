// Package extraction maps raw OCR text onto the structured fields of each
// supported document type, scoring and validating every field.
//
// Extraction is deterministic for identical engine output and performs no
// I/O.
package extraction

import "fmt"

// DocumentType identifies which financial record a document becomes
type DocumentType string

const (
	Invoice        DocumentType = "invoice"
	InvoicePayment DocumentType = "invoice_payment"
	SaleReceipt    DocumentType = "sale_receipt"
)

// ParseDocumentType validates a document type string
func ParseDocumentType(s string) (DocumentType, error) {
	switch t := DocumentType(s); t {
	case Invoice, InvoicePayment, SaleReceipt:
		return t, nil
	default:
		return "", fmt.Errorf("unknown document type %q", s)
	}
}

// Field names shared by the schemas
const (
	FieldInvoiceNumber = "invoice_number"
	FieldPaymentNumber = "payment_number"
	FieldReceiptNumber = "receipt_number"
	FieldPartyName     = "party_name"
	FieldCustomerName  = "customer_name"
	FieldInvoiceDate   = "invoice_date"
	FieldDueDate       = "due_date"
	FieldPaymentDate   = "payment_date"
	FieldReceiptDate   = "receipt_date"
	FieldTotalAmount   = "total_amount"
	FieldAmount        = "amount"
	FieldTaxAmount     = "tax_amount"
	FieldTaxID         = "tax_id"
	FieldCurrency      = "currency"
	FieldPaymentMode   = "payment_mode"
	FieldReference     = "reference"
)

// Field is one extracted value with its confidence and validation outcome
type Field struct {
	Name             string   `json:"name"`
	Value            string   `json:"value"`
	Confidence       float64  `json:"confidence"`
	NeedsReview      bool     `json:"needs_review"`
	ValidationErrors []string `json:"validation_errors"`
}

// Result is the outcome of extracting one document
type Result struct {
	Fields              []Field  `json:"fields"`
	LowConfidenceFields []string `json:"low_confidence_fields"`
	InvalidFields       []string `json:"invalid_fields"`
	Confidence          float64  `json:"confidence"`
}

// NeedsReview reports whether any field requires a human
func (r Result) NeedsReview() bool {
	for _, f := range r.Fields {
		if f.NeedsReview {
			return true
		}
	}
	return false
}
