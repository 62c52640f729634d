package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ocr-review/internal/duplicate"
	"github.com/zombor/ocr-review/internal/events"
	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/quality"
	"github.com/zombor/ocr-review/internal/records"
	"github.com/zombor/ocr-review/internal/scanning"
)

// IDGenerator generates unique IDs for documents and approval claims
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Materializer creates financial records from approved documents
type Materializer interface {
	Materialize(ctx context.Context, req records.Request) (records.Ref, error)
}

// RecordReader reads created records back
type RecordReader interface {
	Get(ctx context.Context, ref records.Ref) (*records.Record, error)
}

// Notifier receives lifecycle events. It must not block.
type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

// Config holds the service settings and the settings of the pipeline stages.
// DuplicateWait bounds how long a document waits for earlier documents of
// the same owner that are still in the pipeline before its duplicate check;
// zero means it does not wait.
type Config struct {
	ClaimTTL      time.Duration
	Workers       int
	QueueSize     int
	DuplicateWait time.Duration
	Quality       quality.Config
	Extraction    extraction.Config
	Duplicate     duplicate.Config
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		ClaimTTL:      5 * time.Minute,
		Workers:       4,
		QueueSize:     64,
		DuplicateWait: 2 * time.Minute,
		Quality:       quality.DefaultConfig(),
		Extraction:    extraction.DefaultConfig(),
		Duplicate:     duplicate.DefaultConfig(),
	}
}

// Deps are the collaborators of a Service
type Deps struct {
	Repository   Repository
	Storage      Storage
	Engine       scanning.Engine
	Materializer Materializer
	Records      RecordReader
	Notifier     Notifier
}

// Service runs the document pipeline and the reviewer actions
type Service struct {
	repo         Repository
	storage      Storage
	engine       scanning.Engine
	materializer Materializer
	records      RecordReader
	notifier     Notifier
	checker      *quality.Checker
	extractor    *extraction.Extractor
	detector     *duplicate.Detector
	worker       *Worker
	cfg          Config
	logger       *slog.Logger
	idGenerator  IDGenerator
	timeSource   TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(deps Deps, cfg Config) *Service {
	return NewServiceWithDeps(deps, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(deps Deps, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.NewNotifier(events.Nop{}, time.Second)
	}

	s := &Service{
		repo:         deps.Repository,
		storage:      deps.Storage,
		engine:       deps.Engine,
		materializer: deps.Materializer,
		records:      deps.Records,
		notifier:     notifier,
		checker:      quality.NewChecker(cfg.Quality),
		extractor:    extraction.NewExtractor(cfg.Extraction),
		detector:     duplicate.NewDetector(cfg.Duplicate),
		cfg:          cfg,
		logger:       slog.Default().With("component", "review"),
		idGenerator:  idGen,
		timeSource:   timeSrc,
	}
	s.worker = NewWorker(cfg.Workers, cfg.QueueSize, s.process)
	return s
}

// Run processes queued documents until ctx is cancelled. Documents left in
// PROCESSING by a previous run of the process are queued again first, except
// those whose current attempt is already queued.
func (s *Service) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.worker.Run(ctx)
		close(done)
	}()

	stranded, err := s.repo.List(ctx, Filter{Status: StatusProcessing})
	if err != nil {
		s.logger.Error("Failed to list unfinished documents", "error", err)
	}
	for i := len(stranded) - 1; i >= 0; i-- {
		doc := stranded[i]
		job := Job{ID: doc.ID, Attempt: doc.Attempt}
		// Uploads submitted before the listing are already queued
		if s.worker.Pending(job) {
			continue
		}
		if err := s.worker.Enqueue(ctx, job); err != nil {
			break
		}
		s.logger.Info("Resuming unfinished document", "ocr_id", doc.ID, "attempt", doc.Attempt)
	}

	<-done
}

func (s *Service) now() time.Time {
	return s.timeSource.Now().UTC()
}

var (
	filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameUnsafe.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "document"
	}
	return base + ext
}

// UploadInput is one uploaded document
type UploadInput struct {
	UserID       string
	DocumentType string
	Filename     string
	ContentType  string
	Data         []byte
}

// Upload stores the file, creates the document in PROCESSING and queues it.
// When the queue is full the document is kept as FAILED so it can be
// retried, and ErrQueueFull is returned with it.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*OCRData, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	docType, err := extraction.ParseDocumentType(in.DocumentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	id := s.idGenerator.Generate()
	now := s.now()

	ref, err := s.storage.Save(ctx, id+"_"+sanitizeFilename(in.Filename), in.Data, in.ContentType)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	doc := &OCRData{
		ID:           id,
		UserID:       in.UserID,
		DocumentType: docType,
		ImageURL:     ref,
		OriginalName: in.Filename,
		ContentType:  in.ContentType,
		FileSize:     int64(len(in.Data)),
		Status:       StatusProcessing,
		Attempt:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		if delErr := s.storage.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			s.logger.Warn("Failed to delete file", "filename", ref, "error", delErr)
		}
		return nil, fmt.Errorf("saving document: %w", err)
	}

	if err := s.enqueue(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// enqueue submits the current attempt of doc, failing it when the queue is
// full
func (s *Service) enqueue(ctx context.Context, doc *OCRData) error {
	err := s.worker.Submit(Job{ID: doc.ID, Attempt: doc.Attempt})
	if err == nil {
		return nil
	}
	s.logger.Warn("Processing queue is full", "ocr_id", doc.ID)
	if failed := s.fail(ctx, doc, doc.Attempt, err); failed != nil {
		*doc = *failed
	}
	return err
}

// Get retrieves a document by ID
func (s *Service) Get(ctx context.Context, id string) (*OCRData, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

// List returns the documents matching filter, newest first
func (s *Service) List(ctx context.Context, filter Filter) ([]*OCRData, error) {
	docs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

// GetFile retrieves the stored file of a document
func (s *Service) GetFile(ctx context.Context, id string) ([]byte, string, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting document: %w", err)
	}

	data, err := s.storage.Get(ctx, doc.ImageURL)
	if err != nil {
		return nil, "", fmt.Errorf("getting document file: %w", err)
	}
	return data, doc.ContentType, nil
}

// GetRecord reads a created financial record
func (s *Service) GetRecord(ctx context.Context, ref records.Ref) (*records.Record, error) {
	rec, err := s.records.Get(ctx, ref)
	if errors.Is(err, records.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return rec, nil
}

// Delete removes a document and its file. Linked documents and documents
// being approved are refused.
func (s *Service) Delete(ctx context.Context, id string) error {
	now := s.now()
	doc, err := s.repo.Delete(ctx, id, func(d *OCRData) error {
		if d.Linked() {
			return ErrLinkedRecord
		}
		if d.claimActive(now, s.cfg.ClaimTTL) {
			return ErrMaterializationInProgress
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}

	if err := s.storage.Delete(ctx, doc.ImageURL); err != nil {
		s.logger.Warn("Failed to delete file", "filename", doc.ImageURL, "error", err)
	}
	return nil
}

func (s *Service) event(kind events.Kind, d *OCRData) events.Event {
	return events.Event{
		Kind:         kind,
		OCRID:        d.ID,
		UserID:       d.UserID,
		DocumentType: d.DocumentType,
		Attempt:      d.Attempt,
	}
}
