package extraction

import "regexp"

type kind int

const (
	kindIdentifier kind = iota
	kindParty
	kindDate
	kindAmount
	kindTaxAmount
	kindTaxID
	kindCurrency
	kindPaymentMode
)

// fieldSpec describes how one field is located and validated
type fieldSpec struct {
	name     string
	kind     kind
	required bool
	// label matches the caption preceding the value on a line
	label *regexp.Regexp
	// exclude rejects lines that match label but belong to another field
	exclude *regexp.Regexp
	// headerFallback allows the first prominent text line as the value
	headerFallback bool
	// anywhereFallback allows an unlabelled value found anywhere in the text
	anywhereFallback bool
}

// Heuristic certainty per extraction path
const (
	certaintyLabelled = 1.0
	certaintyNextLine = 0.85
	certaintyPattern  = 0.9
	certaintyFallback = 0.7
	certaintyHeader   = 0.6
)

var (
	invoiceNumberLabel = regexp.MustCompile(`(?i)\b(?:invoice|inv|bill)\s*(?:no\.?|number|num|#)`)
	paymentNumberLabel = regexp.MustCompile(`(?i)\b(?:payment|voucher)\s*(?:no\.?|number|#)`)
	receiptNumberLabel = regexp.MustCompile(`(?i)\b(?:receipt|bill|txn)\s*(?:no\.?|number|#)`)

	sellerLabel   = regexp.MustCompile(`(?i)\b(?:vendor|supplier|seller|sold\s+by|billed?\s+by|from)\b`)
	payeeLabel    = regexp.MustCompile(`(?i)\b(?:paid\s+to|payee|party(?:\s+name)?|vendor|supplier|received\s+from)\b`)
	customerLabel = regexp.MustCompile(`(?i)\b(?:customer(?:\s+name)?|bill(?:ed)?\s+to|sold\s+to|buyer)\b`)

	dueDateLabel     = regexp.MustCompile(`(?i)\b(?:due\s+date|payment\s+due|due\s+on)\b`)
	invoiceDateLabel = regexp.MustCompile(`(?i)\b(?:invoice\s+date|bill\s+date|issue\s+date|date\s+of\s+issue|dated|date)\b`)
	paymentDateLabel = regexp.MustCompile(`(?i)\b(?:payment\s+date|paid\s+on|date)\b`)
	receiptDateLabel = regexp.MustCompile(`(?i)\b(?:receipt\s+date|bill\s+date|date)\b`)

	totalLabel       = regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+amount|amount\s+due|balance\s+due|net\s+payable|total)\b`)
	totalExclude     = regexp.MustCompile(`(?i)\b(?:sub\s*-?\s*total|total\s+tax|tax\s+total|total\s+qty|total\s+items)\b`)
	paidAmountLabel  = regexp.MustCompile(`(?i)\b(?:amount\s+paid|paid\s+amount|payment\s+amount|amount\s+received|amount)\b`)
	taxAmountLabel   = regexp.MustCompile(`(?i)\b(?:total\s+tax|tax\s+amount|igst|cgst|sgst|gst|vat|tax)\b`)
	taxAmountExclude = regexp.MustCompile(`(?i)\b(?:gstin|tax\s+id|tax\s+invoice|gst\s+no|vat\s+no|incl(?:uding|\.)?\s+tax)\b`)
	taxIDLabel       = regexp.MustCompile(`(?i)\b(?:gstin|gst\s*(?:no\.?|number|#)|tax\s*id|vat\s*(?:no\.?|number)|tin)\b`)
	currencyLabel    = regexp.MustCompile(`(?i)\bcurrency\b`)
	paymentModeLabel = regexp.MustCompile(`(?i)\b(?:payment\s+mode|mode\s+of\s+payment|payment\s+method|paid\s+(?:by|via))\b`)
	referenceLabel   = regexp.MustCompile(`(?i)\b(?:ref(?:erence)?\b\.?\s*(?:no\b\.?|number|#)?|utr|transaction\s+id|txn\s+id|cheque\s+no\b\.?)`)
	invoiceRefLabel  = regexp.MustCompile(`(?i)\b(?:against\s+invoice|invoice\s*(?:no\.?|number|#))`)
)

var schemas = map[DocumentType][]fieldSpec{
	Invoice: {
		{name: FieldInvoiceNumber, kind: kindIdentifier, required: true, label: invoiceNumberLabel},
		{name: FieldPartyName, kind: kindParty, required: true, label: sellerLabel, headerFallback: true},
		{name: FieldInvoiceDate, kind: kindDate, required: true, label: invoiceDateLabel, exclude: dueDateLabel, anywhereFallback: true},
		{name: FieldDueDate, kind: kindDate, label: dueDateLabel},
		{name: FieldTotalAmount, kind: kindAmount, required: true, label: totalLabel, exclude: totalExclude},
		{name: FieldTaxAmount, kind: kindTaxAmount, label: taxAmountLabel, exclude: taxAmountExclude},
		{name: FieldTaxID, kind: kindTaxID, label: taxIDLabel, anywhereFallback: true},
		{name: FieldCurrency, kind: kindCurrency, label: currencyLabel, anywhereFallback: true},
	},
	InvoicePayment: {
		{name: FieldPaymentNumber, kind: kindIdentifier, label: paymentNumberLabel},
		{name: FieldPartyName, kind: kindParty, required: true, label: payeeLabel},
		{name: FieldPaymentDate, kind: kindDate, required: true, label: paymentDateLabel, anywhereFallback: true},
		{name: FieldAmount, kind: kindAmount, required: true, label: paidAmountLabel},
		{name: FieldPaymentMode, kind: kindPaymentMode, label: paymentModeLabel},
		{name: FieldReference, kind: kindIdentifier, label: referenceLabel},
		{name: FieldInvoiceNumber, kind: kindIdentifier, label: invoiceRefLabel},
	},
	SaleReceipt: {
		{name: FieldReceiptNumber, kind: kindIdentifier, label: receiptNumberLabel},
		{name: FieldCustomerName, kind: kindParty, required: true, label: customerLabel},
		{name: FieldReceiptDate, kind: kindDate, required: true, label: receiptDateLabel, anywhereFallback: true},
		{name: FieldTotalAmount, kind: kindAmount, required: true, label: totalLabel, exclude: totalExclude},
		{name: FieldTaxAmount, kind: kindTaxAmount, label: taxAmountLabel, exclude: taxAmountExclude},
		{name: FieldTaxID, kind: kindTaxID, label: taxIDLabel, anywhereFallback: true},
		{name: FieldCurrency, kind: kindCurrency, label: currencyLabel, anywhereFallback: true},
	},
}

// FieldNames lists the schema of a document type in extraction order
func FieldNames(t DocumentType) []string {
	specs := schemas[t]
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.name)
	}
	return names
}

// RequiredFields lists the fields a document type cannot be recorded without
func RequiredFields(t DocumentType) []string {
	var names []string
	for _, s := range schemas[t] {
		if s.required {
			names = append(names, s.name)
		}
	}
	return names
}

func lookupSpec(t DocumentType, name string) (fieldSpec, bool) {
	for _, s := range schemas[t] {
		if s.name == name {
			return s, true
		}
	}
	return fieldSpec{}, false
}
