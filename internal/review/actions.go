package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/ocr-review/internal/events"
	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/records"
)

// ReviewInput is a reviewer's correction of a document
type ReviewInput struct {
	Fields          map[string]string
	Notes           string
	AcceptDuplicate bool
	ReviewedBy      string
}

// Review merges corrections into the document. Corrected fields are
// revalidated and the routing lists recomputed; the status stays
// MANUAL_REVIEW.
func (s *Service) Review(ctx context.Context, id string, in ReviewInput) (*OCRData, error) {
	now := s.now()
	doc, err := s.repo.Update(ctx, id, func(d *OCRData) error {
		if d.Status != StatusManualReview {
			return fmt.Errorf("%w: cannot review a %s document", ErrInvalidTransition, d.Status)
		}
		if d.claimActive(now, s.cfg.ClaimTTL) {
			return ErrMaterializationInProgress
		}

		ed := d.ExtractedData
		if ed == nil {
			ed = &ExtractedData{}
			d.ExtractedData = ed
		}
		res, err := s.extractor.Correct(d.DocumentType, ed.Fields, in.Fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		ed.apply(res)
		ed.ReviewedAt = &now
		ed.ReviewedBy = in.ReviewedBy
		ed.ReviewNotes = in.Notes
		if in.AcceptDuplicate {
			ed.AcceptedDuplicate = true
		}

		input := records.InputFromFields(d.DocumentType, res.Fields)
		input.Notes = in.Notes
		d.ProcessedData = &input
		d.Confidence = res.Confidence
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reviewing document: %w", err)
	}

	e := s.event(events.DataReviewed, doc)
	e.ReviewedBy = in.ReviewedBy
	s.notifier.Notify(ctx, e)
	return doc, nil
}

// ApproveInput is an approval request. An empty DocumentType means the
// document's own type.
type ApproveInput struct {
	CreateRecord bool
	DocumentType extraction.DocumentType
}

// Approve completes the document and, when asked, creates its financial
// record. The record is created at most once: the document is claimed in one
// transaction, the record is created, and the link is written in a second
// transaction that also releases the claim.
func (s *Service) Approve(ctx context.Context, id string, in ApproveInput) (*OCRData, error) {
	now := s.now()
	token := s.idGenerator.Generate()

	var req records.Request
	doc, err := s.repo.Update(ctx, id, func(d *OCRData) error {
		if d.Status != StatusManualReview && d.Status != StatusCompleted {
			return fmt.Errorf("%w: cannot approve a %s document", ErrInvalidTransition, d.Status)
		}
		if d.Linked() {
			return ErrAlreadyMaterialized
		}
		if d.claimActive(now, s.cfg.ClaimTTL) {
			return ErrMaterializationInProgress
		}
		if in.DocumentType != "" && in.DocumentType != d.DocumentType {
			return fmt.Errorf("%w: document is a %s, not a %s", ErrInvalidInput, d.DocumentType, in.DocumentType)
		}
		if d.ExtractedData != nil && d.ExtractedData.FlaggedDuplicate() {
			return ErrDuplicateConflict
		}

		d.UpdatedAt = now
		if !in.CreateRecord {
			d.Status = StatusCompleted
			return nil
		}

		var input records.Input
		if d.ProcessedData != nil {
			input = *d.ProcessedData
		}
		if err := records.Validate(d.DocumentType, input); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		// A claim past its TTL belongs to an approval that died; take it over
		d.Claim = &Claim{Token: token, ClaimedAt: now}
		req = records.Request{OCRID: d.ID, UserID: d.UserID, DocumentType: d.DocumentType, Input: input}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("approving document: %w", err)
	}

	if in.CreateRecord {
		doc, err = s.materialize(ctx, id, token, req)
		if err != nil {
			return nil, err
		}
	}

	e := s.event(events.DataApproved, doc)
	e.Record = doc.Record
	s.notifier.Notify(ctx, e)
	return doc, nil
}

// materialize creates the record for a claimed document and links it
func (s *Service) materialize(ctx context.Context, id, token string, req records.Request) (*OCRData, error) {
	logger := s.logger.With("ocr_id", id, "document_type", req.DocumentType)

	ref, err := s.materializer.Materialize(ctx, req)
	if err != nil {
		logger.Error("Failed to create record", "error", err)
		s.releaseClaim(context.WithoutCancel(ctx), id, token)
		if errors.Is(err, records.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("creating record: %w", err)
	}

	now := s.now()
	doc, err := s.repo.Update(context.WithoutCancel(ctx), id, func(d *OCRData) error {
		// Another approval took over the claim and linked first
		if d.Linked() {
			return ErrAlreadyMaterialized
		}
		// The claim expired and the document was taken over, rejected or
		// otherwise moved on
		if d.Claim == nil || d.Claim.Token != token {
			return ErrClaimLost
		}
		if d.Status != StatusManualReview && d.Status != StatusCompleted {
			return ErrClaimLost
		}
		d.Record = &ref
		d.Claim = nil
		d.Status = StatusCompleted
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The record exists but belongs to no document
		logger.Error("Failed to link record", "record_id", ref.ID, "error", err)
		return nil, fmt.Errorf("linking record %s: %w", ref.ID, err)
	}
	logger.Info("Record created", "record_id", ref.ID)
	return doc, nil
}

func (s *Service) releaseClaim(ctx context.Context, id, token string) {
	_, err := s.repo.Update(ctx, id, func(d *OCRData) error {
		if d.Claim != nil && d.Claim.Token == token {
			d.Claim = nil
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to release approval claim", "ocr_id", id, "error", err)
	}
}

// Reject fails a document that has not been turned into a record
func (s *Service) Reject(ctx context.Context, id, reason string) (*OCRData, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by reviewer"
	}

	now := s.now()
	doc, err := s.repo.Update(ctx, id, func(d *OCRData) error {
		if d.Status != StatusManualReview && d.Status != StatusCompleted {
			return fmt.Errorf("%w: cannot reject a %s document", ErrInvalidTransition, d.Status)
		}
		if d.Linked() {
			return ErrAlreadyMaterialized
		}
		if d.claimActive(now, s.cfg.ClaimTTL) {
			return ErrMaterializationInProgress
		}
		d.Status = StatusFailed
		d.ErrorMessage = reason
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rejecting document: %w", err)
	}

	e := s.event(events.DataRejected, doc)
	e.Reason = reason
	s.notifier.Notify(ctx, e)
	return doc, nil
}

// Retry sends a FAILED document through the pipeline again as a new attempt
func (s *Service) Retry(ctx context.Context, id string) (*OCRData, error) {
	now := s.now()
	doc, err := s.repo.Update(ctx, id, func(d *OCRData) error {
		if d.Status != StatusFailed {
			return fmt.Errorf("%w: cannot retry a %s document", ErrInvalidTransition, d.Status)
		}
		d.Status = StatusProcessing
		d.Attempt++
		d.ErrorMessage = ""
		d.ExtractedData = nil
		d.ProcessedData = nil
		d.Confidence = 0
		d.Engine = ""
		d.ProcessedAt = nil
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrying document: %w", err)
	}

	if err := s.enqueue(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}
