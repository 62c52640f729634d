package extraction

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validation messages reported in Field.ValidationErrors
const (
	MsgRequiredMissing     = "required field missing"
	MsgDateNotParseable    = "date not parseable"
	MsgAmountNotNumeric    = "amount not numeric"
	MsgAmountNotPositive   = "amount must be positive"
	MsgAmountNegative      = "amount must not be negative"
	MsgInvalidGST          = "invalid GST format"
	MsgUnsupportedCurrency = "unsupported currency"
	MsgUnknownPaymentMode  = "unknown payment mode"
	MsgPartyTooShort       = "party name too short"
	MsgInvalidIdentifier   = "invalid document number"
	MsgDueBeforeIssue      = "due date precedes invoice date"
	MsgTaxExceedsTotal     = "tax exceeds total amount"
)

var (
	gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)
	gstinToken   = regexp.MustCompile(`\b[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]\b`)
	identifierOK = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-/_.]{0,39}$`)
	spaces       = regexp.MustCompile(`\s+`)
	septAbbrev   = regexp.MustCompile(`\bSept\b`)
)

var supportedCurrencies = map[string]bool{
	"INR": true, "USD": true, "EUR": true, "GBP": true, "AUD": true,
	"CAD": true, "SGD": true, "AED": true, "JPY": true,
}

var currencySymbols = map[string]string{
	"₹": "INR", "RS": "INR", "RS.": "INR", "$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY",
}

var paymentModes = map[string]bool{
	"cash": true, "cheque": true, "check": true, "card": true,
	"credit card": true, "debit card": true, "upi": true, "neft": true,
	"rtgs": true, "imps": true, "bank transfer": true, "wire transfer": true,
	"online": true, "net banking": true,
}

var dateLayouts = []string{
	"2006-1-2",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2006/1/2",
	"2/1/06",
	"2-1-06",
	"2.1.06",
	"2 Jan 2006",
	"2 January 2006",
	"2 Jan, 2006",
	"2-Jan-2006",
	"2-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
}

var (
	errNotNumeric  = errors.New(MsgAmountNotNumeric)
	errDateInvalid = errors.New(MsgDateNotParseable)
)

// ParseDate parses the date formats found on invoices and receipts. Numeric
// dates are read day first.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	s = strings.TrimRight(s, ".,;")
	s = septAbbrev.ReplaceAllString(s, "Sep")
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil && t.Year() >= 1900 && t.Year() <= 2100 {
			return t, nil
		}
	}
	return time.Time{}, errDateInvalid
}

// ParseAmount parses a printed amount, tolerating currency marks, Indian and
// western digit grouping, a decimal comma and the "/-" suffix.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSuffix(s, "/-")
	s = currencyToken.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, " ", "")
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	s = normaliseSeparators(s)
	if s == "" {
		return decimal.Zero, errNotNumeric
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errNotNumeric
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func normaliseSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		// 1.234,56
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case lastComma >= 0 && lastDot < 0 && strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2:
		// 12,5 or 12,50
		return strings.Replace(s, ",", ".", 1)
	default:
		return strings.ReplaceAll(s, ",", "")
	}
}

// NormaliseTaxID strips spaces and upper-cases a tax identifier
func NormaliseTaxID(s string) string {
	return strings.ToUpper(spaces.ReplaceAllString(s, ""))
}

// NormaliseCurrency maps a symbol or code to its ISO code
func NormaliseCurrency(s string) string {
	return currencyCode(strings.TrimSpace(s))
}

// NormalisePaymentMode lower-cases and collapses whitespace
func NormalisePaymentMode(s string) string {
	return strings.ToLower(spaces.ReplaceAllString(strings.TrimSpace(s), " "))
}

func currencyCode(tok string) string {
	up := strings.ToUpper(tok)
	if code, ok := currencySymbols[up]; ok {
		return code
	}
	return up
}

// validate applies the format rules of the field's kind to value
func validate(spec fieldSpec, value string) []string {
	errs := []string{}
	value = strings.TrimSpace(value)
	if value == "" {
		if spec.required {
			errs = append(errs, MsgRequiredMissing)
		}
		return errs
	}

	switch spec.kind {
	case kindIdentifier:
		if !identifierOK.MatchString(value) {
			errs = append(errs, MsgInvalidIdentifier)
		}
	case kindParty:
		if countLetters(value) < 2 {
			errs = append(errs, MsgPartyTooShort)
		}
	case kindDate:
		if _, err := ParseDate(value); err != nil {
			errs = append(errs, MsgDateNotParseable)
		}
	case kindAmount:
		d, err := ParseAmount(value)
		switch {
		case err != nil:
			errs = append(errs, MsgAmountNotNumeric)
		case !d.IsPositive():
			errs = append(errs, MsgAmountNotPositive)
		}
	case kindTaxAmount:
		d, err := ParseAmount(value)
		switch {
		case err != nil:
			errs = append(errs, MsgAmountNotNumeric)
		case d.IsNegative():
			errs = append(errs, MsgAmountNegative)
		}
	case kindTaxID:
		if !gstinPattern.MatchString(NormaliseTaxID(value)) {
			errs = append(errs, MsgInvalidGST)
		}
	case kindCurrency:
		if !supportedCurrencies[NormaliseCurrency(value)] {
			errs = append(errs, MsgUnsupportedCurrency)
		}
	case kindPaymentMode:
		if !paymentModes[NormalisePaymentMode(value)] {
			errs = append(errs, MsgUnknownPaymentMode)
		}
	}
	return errs
}

// crossValidate applies rules spanning two fields. Only fields that passed
// their own validation are compared.
func crossValidate(fields []Field) {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		if len(f.ValidationErrors) == 0 && f.Value != "" {
			idx[f.Name] = i
		}
	}

	if di, ok := idx[FieldDueDate]; ok {
		if ii, ok := idx[FieldInvoiceDate]; ok {
			due, _ := ParseDate(fields[di].Value)
			issued, _ := ParseDate(fields[ii].Value)
			if due.Before(issued) {
				fields[di].ValidationErrors = append(fields[di].ValidationErrors, MsgDueBeforeIssue)
			}
		}
	}

	if ti, ok := idx[FieldTaxAmount]; ok {
		if ai, ok := idx[FieldTotalAmount]; ok {
			tax, _ := ParseAmount(fields[ti].Value)
			total, _ := ParseAmount(fields[ai].Value)
			if tax.GreaterThan(total) {
				fields[ti].ValidationErrors = append(fields[ti].ValidationErrors, MsgTaxExceedsTotal)
			}
		}
	}
}
