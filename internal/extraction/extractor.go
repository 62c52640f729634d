package extraction

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/zombor/ocr-review/internal/scanning"
)

// Config holds the extractor thresholds
type Config struct {
	// ConfidenceThreshold is the confidence below which a field needs review
	ConfidenceThreshold float64
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.75}
}

// Extractor turns raw engine output into scored, validated fields
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

type line struct {
	text       string
	confidence float64
}

var (
	dateToken = regexp.MustCompile(`\b\d{1,4}[/\-.]\d{1,2}[/\-.]\d{2,4}\b|\b\d{1,2}[\s\-]+[A-Za-z]{3,9}[\s\-,]+\d{2,4}\b|\b[A-Za-z]{3,9}\s+\d{1,2},?\s+\d{4}\b`)
	// amountToken tolerates letters OCR commonly confuses with digits so that
	// misreads reach validation instead of vanishing
	amountToken     = regexp.MustCompile(`\d[\dOoIl,.]*`)
	identifierToken = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9\-/_.]*`)
	taxIDToken      = regexp.MustCompile(`[A-Za-z0-9]{8,20}`)
	currencyToken   = regexp.MustCompile(`\b(?:INR|USD|EUR|GBP|AUD|CAD|SGD|AED|JPY)\b|₹|€|£|¥|\$|\bRs\.?`)
	headerSkip      = regexp.MustCompile(`(?i)\b(?:invoice|receipt|bill|gstin|date|phone|tel|mobile|email|page)\b|@|www\.`)
)

// Extract maps the engine output onto the schema of docType. Fields that are
// not found are omitted unless required, in which case they are emitted
// empty with zero confidence.
func (e *Extractor) Extract(raw *scanning.RawResult, docType DocumentType) Result {
	lines := splitLines(raw)
	fields := make([]Field, 0, len(schemas[docType]))
	for _, spec := range schemas[docType] {
		f, ok := locate(spec, lines)
		if !ok {
			if !spec.required {
				continue
			}
			f = Field{Name: spec.name}
		}
		fields = append(fields, f)
	}
	return e.Revalidate(docType, fields)
}

// Revalidate re-runs validation over fields and recomputes review flags,
// routing lists and the aggregate confidence.
func (e *Extractor) Revalidate(docType DocumentType, fields []Field) Result {
	res := Result{
		Fields:              make([]Field, 0, len(fields)),
		LowConfidenceFields: []string{},
		InvalidFields:       []string{},
	}
	for _, f := range fields {
		spec, ok := lookupSpec(docType, f.Name)
		if !ok {
			continue
		}
		f.ValidationErrors = validate(spec, f.Value)
		res.Fields = append(res.Fields, f)
	}
	crossValidate(res.Fields)

	var sum float64
	for i := range res.Fields {
		f := &res.Fields[i]
		f.Confidence = round4(clamp01(f.Confidence))
		low := f.Confidence < e.cfg.ConfidenceThreshold
		f.NeedsReview = low || len(f.ValidationErrors) > 0
		if low {
			res.LowConfidenceFields = append(res.LowConfidenceFields, f.Name)
		}
		if len(f.ValidationErrors) > 0 {
			res.InvalidFields = append(res.InvalidFields, f.Name)
		}
		sum += f.Confidence
	}
	if len(res.Fields) > 0 {
		res.Confidence = round4(sum / float64(len(res.Fields)))
	}
	return res
}

// Correct applies human corrections keyed by field name. Corrected fields
// carry full confidence; an empty value clears an optional field.
func (e *Extractor) Correct(docType DocumentType, fields []Field, corrections map[string]string) (Result, error) {
	for name := range corrections {
		if _, ok := lookupSpec(docType, name); !ok {
			return Result{}, fmt.Errorf("unknown field %q for %s", name, docType)
		}
	}

	merged := make([]Field, 0, len(schemas[docType]))
	for _, spec := range schemas[docType] {
		current, found := findField(fields, spec.name)
		value, corrected := corrections[spec.name]
		switch {
		case corrected && value == "" && !spec.required:
			continue
		case corrected:
			merged = append(merged, Field{Name: spec.name, Value: strings.TrimSpace(value), Confidence: 1})
		case found:
			merged = append(merged, current)
		}
	}
	return e.Revalidate(docType, merged), nil
}

func findField(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func splitLines(raw *scanning.RawResult) []line {
	if raw == nil {
		return nil
	}
	var lines []line
	for _, b := range raw.Blocks {
		for _, t := range strings.Split(b.Text, "\n") {
			if t = strings.TrimSpace(t); t != "" {
				lines = append(lines, line{text: t, confidence: b.Confidence})
			}
		}
	}
	return lines
}

// locate finds the first value for spec: a labelled line, then a value on the
// line following a bare label, then the configured fallbacks.
func locate(spec fieldSpec, lines []line) (Field, bool) {
	for i, l := range lines {
		loc := spec.label.FindStringIndex(l.text)
		if loc == nil || (spec.exclude != nil && spec.exclude.MatchString(l.text)) {
			continue
		}
		if v, ok := valueOf(spec.kind, l.text[loc[1]:], true); ok {
			return newField(spec.name, v, l.confidence*certaintyLabelled), true
		}
		if i+1 < len(lines) && !spec.label.MatchString(lines[i+1].text) {
			next := lines[i+1]
			if v, ok := valueOf(spec.kind, next.text, false); ok {
				return newField(spec.name, v, next.confidence*certaintyNextLine), true
			}
		}
	}

	if spec.anywhereFallback {
		for _, l := range lines {
			if spec.exclude != nil && spec.exclude.MatchString(l.text) {
				continue
			}
			if v, ok := patternValue(spec.kind, l.text); ok {
				return newField(spec.name, v, l.confidence*patternCertainty(spec.kind)), true
			}
		}
	}

	if spec.headerFallback {
		for _, l := range lines {
			if isHeaderLine(l.text) {
				return newField(spec.name, l.text, l.confidence*certaintyHeader), true
			}
		}
	}
	return Field{}, false
}

func newField(name, value string, confidence float64) Field {
	return Field{Name: name, Value: value, Confidence: confidence}
}

// patternCertainty reflects how specific an unlabelled pattern match is. A
// GSTIN or ISO currency code is unambiguous; a stray date is not.
func patternCertainty(k kind) float64 {
	switch k {
	case kindTaxID, kindCurrency:
		return certaintyPattern
	default:
		return certaintyFallback
	}
}

// valueOf pulls a value of kind k out of the text after a label. labelled is
// true when text directly follows the label on the same line.
func valueOf(k kind, text string, labelled bool) (string, bool) {
	rest := strings.TrimLeft(text, " \t:#.-=")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}

	switch k {
	case kindIdentifier:
		for _, tok := range identifierToken.FindAllString(rest, -1) {
			tok = strings.TrimRight(tok, ".-/")
			if strings.ContainsAny(tok, "0123456789") {
				return tok, true
			}
		}
		return "", false

	case kindParty:
		name := rest
		if i := strings.Index(name, "  "); i > 0 {
			name = name[:i]
		}
		name = strings.TrimRight(strings.TrimSpace(name), ",;:|")
		if countLetters(name) < 2 {
			return "", false
		}
		return name, true

	case kindDate:
		if tok := dateToken.FindString(rest); tok != "" {
			return tok, true
		}
		// A labelled but garbled date still reaches validation
		if labelled && strings.ContainsAny(rest, "0123456789") {
			return rest, true
		}
		return "", false

	case kindAmount, kindTaxAmount:
		// untrimmed so that a leading minus sign survives
		return lastAmount(text)

	case kindTaxID:
		if tok := taxIDToken.FindString(rest); tok != "" {
			return strings.ToUpper(tok), true
		}
		return "", false

	case kindCurrency:
		if tok := currencyToken.FindString(rest); tok != "" {
			return currencyCode(tok), true
		}
		fields := strings.Fields(rest)
		return strings.ToUpper(fields[0]), true

	case kindPaymentMode:
		return strings.TrimRight(rest, ".,;"), true
	}
	return "", false
}

// patternValue finds an unlabelled value of kind k anywhere in text
func patternValue(k kind, text string) (string, bool) {
	switch k {
	case kindDate:
		if tok := dateToken.FindString(text); tok != "" {
			return tok, true
		}
	case kindTaxID:
		if tok := gstinToken.FindString(strings.ToUpper(text)); tok != "" {
			return tok, true
		}
	case kindCurrency:
		if tok := currencyToken.FindString(text); tok != "" {
			return currencyCode(tok), true
		}
	}
	return "", false
}

// lastAmount returns the right-most numeric token, skipping percentages.
// Amounts conventionally close a line ("GST 18%: 180.00").
func lastAmount(text string) (string, bool) {
	locs := amountToken.FindAllStringIndex(text, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		start, end := locs[i][0], locs[i][1]
		if end < len(text) && text[end] == '%' {
			continue
		}
		tok := strings.TrimRight(text[start:end], ".,")
		if start > 0 && (text[start-1] == '-' || text[start-1] == '(') {
			tok = "-" + tok
		}
		return tok, true
	}
	return "", false
}

func isHeaderLine(text string) bool {
	if headerSkip.MatchString(text) {
		return false
	}
	letters, digits := 0, 0
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return letters >= 3 && digits*2 < letters
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
