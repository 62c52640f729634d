package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zombor/ocr-review/internal/duplicate"
	"github.com/zombor/ocr-review/internal/events"
	"github.com/zombor/ocr-review/internal/quality"
	"github.com/zombor/ocr-review/internal/records"
	"github.com/zombor/ocr-review/internal/scanning"
)

// errStale aborts a pipeline write for an attempt that is no longer current
var errStale = errors.New("pipeline attempt is no longer current")

// outcome is what a successful pipeline run found
type outcome struct {
	extracted  *ExtractedData
	input      records.Input
	confidence float64
}

// process runs the pipeline for one job and records how it ended
func (s *Service) process(ctx context.Context, job Job) {
	logger := s.logger.With("ocr_id", job.ID, "attempt", job.Attempt)

	doc, err := s.repo.Get(ctx, job.ID)
	if err != nil {
		logger.Error("Failed to load document for processing", "error", err)
		return
	}
	if doc.Status != StatusProcessing || doc.Attempt != job.Attempt {
		logger.Debug("Skipping stale job", "status", doc.Status, "current_attempt", doc.Attempt)
		return
	}
	logger = logger.With("user_id", doc.UserID, "document_type", doc.DocumentType)
	s.notifier.Notify(ctx, s.event(events.JobStarted, doc))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked", "panic", r)
			s.fail(ctx, doc, job.Attempt, fmt.Errorf("processing panicked: %v", r))
		}
	}()

	out, err := s.run(ctx, doc)
	if err != nil {
		logger.Error("Failed to process document", "error", err)
		s.fail(ctx, doc, job.Attempt, err)
		return
	}

	now := s.now()
	updated, err := s.repo.Update(ctx, doc.ID, func(d *OCRData) error {
		if d.Status != StatusProcessing || d.Attempt != job.Attempt {
			return errStale
		}
		d.ExtractedData = out.extracted
		d.ProcessedData = &out.input
		d.Confidence = out.confidence
		d.Engine = s.engine.Name()
		d.ErrorMessage = ""
		d.Status = StatusCompleted
		if out.extracted.NeedsReview() || !out.extracted.QualityCheck.IsGoodQuality {
			d.Status = StatusManualReview
		}
		d.ProcessedAt = &now
		d.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errStale) {
		logger.Info("Discarding result of superseded attempt")
		return
	}
	if err != nil {
		logger.Error("Failed to save pipeline result", "error", err)
		return
	}

	logger.Info("Document processed", "status", updated.Status, "confidence", updated.Confidence)
	e := s.event(events.JobCompleted, updated)
	e.Status = string(updated.Status)
	e.Confidence = updated.Confidence
	s.notifier.Notify(ctx, e)
}

// run executes the stages in order. Only technical failures are returned;
// quality, confidence and duplicate findings are data.
func (s *Service) run(ctx context.Context, doc *OCRData) (*outcome, error) {
	data, err := s.storage.Get(ctx, doc.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("reading stored file: %w", err)
	}

	img, err := quality.Decode(data, doc.ContentType)
	if err != nil {
		return nil, err
	}
	qc := s.checker.Check(img)

	png, err := scanning.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}

	raw, err := s.recognize(ctx, png)
	if err != nil {
		return nil, err
	}
	s.checker.CheckText(&qc, raw.RawText)

	res := s.extractor.Extract(raw, doc.DocumentType)
	extracted := &ExtractedData{
		QualityCheck:     &qc,
		RawText:          raw.RawText,
		EngineConfidence: raw.EngineConfidence,
	}
	extracted.apply(res)
	input := records.InputFromFields(doc.DocumentType, res.Fields)

	match, err := s.checkDuplicate(ctx, doc, input)
	if err != nil {
		return nil, err
	}
	extracted.DuplicateCheck = &DuplicateCheck{
		IsDuplicate: match.IsDuplicate,
		MatchedID:   match.MatchedID,
		Score:       match.Score,
		CheckedAt:   s.now(),
	}

	return &outcome{extracted: extracted, input: input, confidence: res.Confidence}, nil
}

// recognize runs the engine on the prepared image
func (s *Service) recognize(ctx context.Context, png []byte) (*scanning.RawResult, error) {
	raw, err := s.engine.Recognize(ctx, scanning.Image{Data: png, ContentType: "image/png"})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, scanning.ErrEmptyResult
	}
	return raw, nil
}

// duplicatePoll is how often earlier documents still in the pipeline are
// checked again
const duplicatePoll = 100 * time.Millisecond

// checkDuplicate compares the document with the earlier recent documents of
// the same owner and type. Later uploads are never candidates, so of two
// copies it is always the later one that gets flagged.
func (s *Service) checkDuplicate(ctx context.Context, doc *OCRData, input records.Input) (duplicate.Match, error) {
	earlier, err := s.earlierDocuments(ctx, doc)
	if err != nil {
		return duplicate.Match{}, err
	}

	pool := make([]duplicate.Candidate, 0, len(earlier))
	for _, d := range earlier {
		if c, ok := candidateOf(d); ok {
			pool = append(pool, c)
		}
	}

	self := candidate(doc, input)
	return s.detector.Check(self, pool), nil
}

// earlierDocuments loads the documents created before doc within the
// look-back window, leaving out failed ones. While any of them is still
// processing it polls until they finish or DuplicateWait runs out.
func (s *Service) earlierDocuments(ctx context.Context, doc *OCRData) ([]*OCRData, error) {
	var deadline <-chan time.Time
	if s.cfg.DuplicateWait > 0 {
		timer := time.NewTimer(s.cfg.DuplicateWait)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(duplicatePoll)
	defer ticker.Stop()

	for {
		earlier, waiting, err := s.listEarlier(ctx, doc)
		if err != nil {
			return nil, err
		}
		if waiting == 0 || deadline == nil {
			return earlier, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for earlier documents: %w", ctx.Err())
		case <-deadline:
			s.logger.Warn("Checking duplicates before earlier documents finished", "ocr_id", doc.ID, "processing", waiting)
			return earlier, nil
		case <-ticker.C:
		}
	}
}

// listEarlier returns the earlier candidates of doc and how many of them are
// still processing
func (s *Service) listEarlier(ctx context.Context, doc *OCRData) ([]*OCRData, int, error) {
	cfg := s.detector.Config()
	// One extra so the document itself does not take a slot
	recent, err := s.repo.ListRecent(ctx, doc.UserID, doc.DocumentType, s.detector.Since(s.now()), cfg.MaxCandidates+1)
	if err != nil {
		return nil, 0, fmt.Errorf("loading duplicate candidates: %w", err)
	}

	earlier := make([]*OCRData, 0, len(recent))
	waiting := 0
	for _, d := range recent {
		if d.Status == StatusFailed || !createdBefore(d, doc) {
			continue
		}
		if d.Status == StatusProcessing {
			waiting++
		}
		earlier = append(earlier, d)
	}
	return earlier, waiting, nil
}

// createdBefore orders documents by creation time, then by ID
func createdBefore(a, b *OCRData) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func candidateOf(d *OCRData) (duplicate.Candidate, bool) {
	switch {
	case d.ProcessedData != nil:
		return candidate(d, *d.ProcessedData), true
	case d.ExtractedData != nil:
		return candidate(d, records.InputFromFields(d.DocumentType, d.ExtractedData.Fields)), true
	}
	return duplicate.Candidate{}, false
}

func candidate(d *OCRData, in records.Input) duplicate.Candidate {
	return duplicate.Candidate{
		ID:             d.ID,
		DocumentNumber: in.DocumentNumber,
		PartyName:      in.PartyName,
		Amount:         in.Amount,
		Date:           in.ParsedDate(),
		CreatedAt:      d.CreatedAt,
	}
}

// fail marks the attempt FAILED with cause as the error message. It returns
// the updated document, or nil when the attempt was superseded or the write
// failed.
func (s *Service) fail(ctx context.Context, doc *OCRData, attempt int, cause error) *OCRData {
	now := s.now()
	updated, err := s.repo.Update(ctx, doc.ID, func(d *OCRData) error {
		if d.Status != StatusProcessing || d.Attempt != attempt {
			return errStale
		}
		d.Status = StatusFailed
		d.ErrorMessage = cause.Error()
		d.ProcessedAt = &now
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			s.logger.Error("Failed to record pipeline failure", "ocr_id", doc.ID, "error", err)
		}
		return nil
	}

	e := s.event(events.JobFailed, updated)
	e.Reason = updated.ErrorMessage
	s.notifier.Notify(ctx, e)
	return updated
}
