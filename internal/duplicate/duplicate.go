// Package duplicate scores a freshly extracted document against recently
// ingested documents of the same owner and type.
//
// The verdict is a heuristic. Callers keep the final say through an explicit
// override at review time.
package duplicate

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Signal weights. They are renormalised over the signals present on both
// sides of a comparison.
const (
	weightNumber = 0.35
	weightName   = 0.30
	weightAmount = 0.20
	weightDate   = 0.15
)

// Config holds the detector thresholds and candidate pool bounds
type Config struct {
	Threshold     float64
	Window        time.Duration
	MaxCandidates int
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig() Config {
	return Config{
		Threshold:     0.85,
		Window:        30 * 24 * time.Hour,
		MaxCandidates: 200,
	}
}

// Candidate is the identifying subset of a document
type Candidate struct {
	ID             string
	DocumentNumber string
	PartyName      string
	Amount         decimal.NullDecimal
	Date           time.Time
	CreatedAt      time.Time
}

// Match is the detector verdict
type Match struct {
	IsDuplicate bool
	MatchedID   string
	Score       float64
}

// Detector compares documents. It holds no state beyond its configuration.
type Detector struct {
	cfg Config
}

// NewDetector creates a Detector
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration
func (d *Detector) Config() Config {
	return d.cfg
}

// Since is the start of the look-back window ending at now
func (d *Detector) Since(now time.Time) time.Time {
	return now.Add(-d.cfg.Window)
}

// Check finds the closest candidate in pool. The best match is reported
// even below the threshold so reviewers can see near misses; ties go to the
// older document.
func (d *Detector) Check(doc Candidate, pool []Candidate) Match {
	var best Match
	var bestCreated time.Time
	for _, c := range pool {
		if c.ID == doc.ID {
			continue
		}
		score, eligible := Score(doc, c)
		if !eligible {
			continue
		}
		if score > best.Score || (score == best.Score && best.MatchedID != "" && c.CreatedAt.Before(bestCreated)) {
			best = Match{MatchedID: c.ID, Score: score}
			bestCreated = c.CreatedAt
		}
	}
	best.IsDuplicate = best.MatchedID != "" && best.Score >= d.cfg.Threshold
	return best
}

// Score combines the weighted similarity of the signals present in both
// documents. A comparison is eligible for a verdict only when an amount and
// at least one of document number or party name can be compared.
func Score(a, b Candidate) (float64, bool) {
	var total, weight float64
	identifying, amount := false, false

	if na, nb := normaliseNumber(a.DocumentNumber), normaliseNumber(b.DocumentNumber); na != "" && nb != "" {
		total += weightNumber * numberSimilarity(na, nb)
		weight += weightNumber
		identifying = true
	}
	if na, nb := NormaliseName(a.PartyName), NormaliseName(b.PartyName); na != "" && nb != "" {
		total += weightName * nameSimilarity(na, nb)
		weight += weightName
		identifying = true
	}
	if a.Amount.Valid && b.Amount.Valid {
		total += weightAmount * amountSimilarity(a.Amount.Decimal, b.Amount.Decimal)
		weight += weightAmount
		amount = true
	}
	if !a.Date.IsZero() && !b.Date.IsZero() {
		total += weightDate * dateSimilarity(a.Date, b.Date)
		weight += weightDate
	}

	if weight == 0 {
		return 0, false
	}
	return math.Round(total/weight*10000) / 10000, identifying && amount
}

// numberSimilarity gives full credit to identical numbers and partial credit
// to near misses, which are usually OCR misreads of the same number.
func numberSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0.5 * strutil.Similarity(a, b, metrics.NewLevenshtein())
}

func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	jw := metrics.NewJaroWinkler()
	jw.CaseSensitive = false
	return strutil.Similarity(a, b, jw)
}

func amountSimilarity(a, b decimal.Decimal) float64 {
	if a.Equal(b) {
		return 1
	}
	larger := decimal.Max(a.Abs(), b.Abs())
	if larger.IsZero() {
		return 1
	}
	diff, _ := a.Sub(b).Abs().Div(larger).Float64()
	switch {
	case diff <= 0.01:
		return 0.8
	case diff <= 0.05:
		return 0.4
	default:
		return 0
	}
}

func dateSimilarity(a, b time.Time) float64 {
	switch days := math.Round(math.Abs(a.Sub(b).Hours()) / 24); {
	case days == 0:
		return 1
	case days <= 1:
		return 0.8
	case days <= 3:
		return 0.5
	case days <= 7:
		return 0.2
	default:
		return 0
	}
}

func normaliseNumber(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var legalSuffixes = map[string]bool{
	"pvt": true, "private": true, "ltd": true, "limited": true, "llp": true,
	"inc": true, "llc": true, "co": true, "corp": true, "company": true,
}

// NormaliseName folds case and accents, drops punctuation and legal-form
// suffixes so that "ACME Traders Pvt. Ltd." and "Acme Traders" compare equal.
func NormaliseName(s string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = cases.Fold().String(folded)

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for len(words) > 1 && legalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
