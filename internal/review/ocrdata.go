// Package review owns the lifecycle of uploaded documents: the processing
// pipeline, the reviewer actions and the rules that move a document between
// statuses.
package review

import (
	"time"

	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/quality"
	"github.com/zombor/ocr-review/internal/records"
)

// Status is the lifecycle state of a document
type Status string

const (
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusManualReview Status = "MANUAL_REVIEW"
	StatusFailed       Status = "FAILED"
)

// ParseStatus parses s into a Status
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusProcessing, StatusCompleted, StatusManualReview, StatusFailed:
		return st, true
	}
	return "", false
}

// DuplicateCheck is the duplicate detector verdict stored on a document
type DuplicateCheck struct {
	IsDuplicate bool      `json:"is_duplicate"`
	MatchedID   string    `json:"matched_id,omitempty"`
	Score       float64   `json:"score"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ExtractedData is everything the pipeline found plus review metadata
type ExtractedData struct {
	QualityCheck        *quality.Result    `json:"quality_check,omitempty"`
	DuplicateCheck      *DuplicateCheck    `json:"duplicate_check,omitempty"`
	Fields              []extraction.Field `json:"fields"`
	LowConfidenceFields []string           `json:"low_confidence_fields"`
	InvalidFields       []string           `json:"invalid_fields"`
	RawText             string             `json:"raw_text,omitempty"`
	EngineConfidence    float64            `json:"engine_confidence"`
	ReviewedAt          *time.Time         `json:"reviewed_at,omitempty"`
	ReviewedBy          string             `json:"reviewed_by,omitempty"`
	ReviewNotes         string             `json:"review_notes,omitempty"`
	AcceptedDuplicate   bool               `json:"accepted_duplicate"`
}

// NeedsReview reports whether any finding should route the document to a
// reviewer
func (e *ExtractedData) NeedsReview() bool {
	return len(e.LowConfidenceFields) > 0 || len(e.InvalidFields) > 0 || e.FlaggedDuplicate()
}

// FlaggedDuplicate reports a duplicate verdict that has not been overridden
func (e *ExtractedData) FlaggedDuplicate() bool {
	return e.DuplicateCheck != nil && e.DuplicateCheck.IsDuplicate && !e.AcceptedDuplicate
}

func (e *ExtractedData) apply(res extraction.Result) {
	e.Fields = res.Fields
	e.LowConfidenceFields = res.LowConfidenceFields
	e.InvalidFields = res.InvalidFields
}

// Claim marks an approval in progress
type Claim struct {
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// OCRData is one uploaded document and everything known about it
type OCRData struct {
	ID            string                  `json:"id"`
	UserID        string                  `json:"user_id"`
	DocumentType  extraction.DocumentType `json:"document_type"`
	ImageURL      string                  `json:"image_url"`
	OriginalName  string                  `json:"original_name"`
	ContentType   string                  `json:"content_type"`
	FileSize      int64                   `json:"file_size"`
	Status        Status                  `json:"status"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	Confidence    float64                 `json:"confidence"`
	Attempt       int                     `json:"attempt"`
	Engine        string                  `json:"engine,omitempty"`
	ExtractedData *ExtractedData          `json:"extracted_data,omitempty"`
	ProcessedData *records.Input          `json:"processed_data,omitempty"`
	Record        *records.Ref            `json:"record,omitempty"`
	Claim         *Claim                  `json:"claim,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	ProcessedAt   *time.Time              `json:"processed_at,omitempty"`
}

// Linked reports whether a financial record was created from the document
func (d *OCRData) Linked() bool {
	return d.Record != nil
}

// claimActive reports whether an approval holds the document at now
func (d *OCRData) claimActive(now time.Time, ttl time.Duration) bool {
	return d.Claim != nil && now.Sub(d.Claim.ClaimedAt) < ttl
}
