// Package events publishes document lifecycle notifications to an external
// sink. Delivery is best effort: failures are logged and never surface to
// the caller.
package events

import (
	"fmt"
	"time"

	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/records"
)

// Kind identifies a lifecycle event
type Kind string

const (
	JobStarted   Kind = "job.started"
	JobCompleted Kind = "job.completed"
	JobFailed    Kind = "job.failed"
	DataReviewed Kind = "data.reviewed"
	DataApproved Kind = "data.approved"
	DataRejected Kind = "data.rejected"
)

// Event is one lifecycle notification. Which optional fields are set
// depends on Kind: Confidence and Status on job.completed, Reason on
// job.failed and data.rejected, Record on data.approved when a record was
// created.
type Event struct {
	Kind         Kind                    `json:"kind"`
	OCRID        string                  `json:"ocr_id"`
	UserID       string                  `json:"user_id"`
	DocumentType extraction.DocumentType `json:"document_type"`
	Attempt      int                     `json:"attempt,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Confidence   float64                 `json:"confidence,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	ReviewedBy   string                  `json:"reviewed_by,omitempty"`
	Record       *records.Ref            `json:"record,omitempty"`
	OccurredAt   time.Time               `json:"occurred_at"`
}

// Route says where an event kind is published and how it is keyed
type Route struct {
	Topic string
	Key   func(Event) string
}

func byDocument(e Event) string {
	return "documents/" + e.OCRID
}

func byRecord(e Event) string {
	if e.Record == nil {
		return byDocument(e)
	}
	return fmt.Sprintf("records/%s/%s", e.Record.Type, e.Record.ID)
}

// Routes is the routing table for every event kind
var Routes = map[Kind]Route{
	JobStarted:   {Topic: "ocr.job.started", Key: byDocument},
	JobCompleted: {Topic: "ocr.job.completed", Key: byDocument},
	JobFailed:    {Topic: "ocr.job.failed", Key: byDocument},
	DataReviewed: {Topic: "ocr.data.reviewed", Key: byDocument},
	DataApproved: {Topic: "ocr.data.approved", Key: byRecord},
	DataRejected: {Topic: "ocr.data.rejected", Key: byDocument},
}

// RouteFor returns the route of e
func RouteFor(e Event) (Route, error) {
	r, ok := Routes[e.Kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnroutable, e.Kind)
	}
	return r, nil
}
