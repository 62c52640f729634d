package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/ocr-review/internal/events"
	"github.com/zombor/ocr-review/internal/quality"
	"github.com/zombor/ocr-review/internal/records"
	"github.com/zombor/ocr-review/internal/review"
	"github.com/zombor/ocr-review/internal/scanning"
	"github.com/zombor/ocr-review/internal/scanning/tesseract"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port              int
	dbPath            string
	storage           string
	storagePath       string
	gcsBucket         string
	engine            string
	engineTimeout     time.Duration
	engineConcurrency int
	workers           int
	queueSize         int
	languages         string
	geminiKey         string
	geminiModel       string
	ollamaURL         string
	ollamaModel       string
	documentAIName    string
	confidence        float64
	duplicate         float64
	duplicateWindow   time.Duration
	maxCandidates     int
	duplicateWait     time.Duration
	minWidth          int
	minHeight         int
	blurThreshold     float64
	minTextChars      int
	claimTTL          time.Duration
	eventsTarget      string
	eventsSource      string
	authUser          string
	authPass          string
	logLevel          string
	logFormat         string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine; the environment and flags still apply
	_ = godotenv.Load()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := ff.NewFlagSet("ocr-review")
	fs.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.dbPath, 0, "db", "ocr-review.db", "Database file path")
	fs.StringVar(&cfg.storage, 0, "storage", "local", "File storage: 'local' or 'gcs'")
	fs.StringVar(&cfg.storagePath, 0, "storage-path", "./uploads", "Local storage directory path")
	fs.StringVar(&cfg.gcsBucket, 0, "gcs-bucket", "", "Cloud Storage bucket for uploads")
	fs.StringVar(&cfg.engine, 0, "engine", "tesseract", "OCR engine: 'tesseract', 'vision', 'documentai', 'gemini' or 'ollama'")
	fs.DurationVar(&cfg.engineTimeout, 0, "engine-timeout", 60*time.Second, "Deadline for a single engine call")
	fs.IntVar(&cfg.engineConcurrency, 0, "engine-concurrency", 2, "Maximum concurrent engine calls")
	fs.IntVar(&cfg.workers, 0, "workers", 4, "Pipeline workers")
	fs.IntVar(&cfg.queueSize, 0, "queue-size", 64, "Pipeline queue capacity")
	fs.StringVar(&cfg.languages, 0, "languages", "eng", "Comma separated Tesseract languages")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", scanning.DefaultOllamaModel, "Ollama model name")
	fs.StringVar(&cfg.documentAIName, 0, "documentai-processor", "", "Document AI processor (projects/{p}/locations/{l}/processors/{id})")
	fs.Float64Var(&cfg.confidence, 0, "confidence-threshold", 0.75, "Field confidence below which review is needed")
	fs.Float64Var(&cfg.duplicate, 0, "duplicate-threshold", 0.85, "Similarity at which a document is a duplicate")
	fs.DurationVar(&cfg.duplicateWindow, 0, "duplicate-window", 720*time.Hour, "How far back duplicates are searched")
	fs.IntVar(&cfg.maxCandidates, 0, "duplicate-max-candidates", 200, "Most recent documents compared for duplicates")
	fs.DurationVar(&cfg.duplicateWait, 0, "duplicate-wait", 2*time.Minute, "How long a document waits for earlier uploads still processing before its duplicate check")
	fs.IntVar(&cfg.minWidth, 0, "min-width", 600, "Minimum image width in pixels")
	fs.IntVar(&cfg.minHeight, 0, "min-height", 600, "Minimum image height in pixels")
	fs.Float64Var(&cfg.blurThreshold, 0, "blur-threshold", 60, "Minimum sharpness score")
	fs.IntVar(&cfg.minTextChars, 0, "min-text-chars", 40, "Minimum recognised characters")
	fs.DurationVar(&cfg.claimTTL, 0, "claim-ttl", 5*time.Minute, "Age after which a record claim may be taken over")
	fs.StringVar(&cfg.eventsTarget, 0, "events-target", "", "CloudEvents HTTP sink URL (empty logs events only)")
	fs.StringVar(&cfg.eventsSource, 0, "events-source", "ocr-review", "CloudEvents source attribute")
	fs.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.logFormat, 0, "log-format", "text", "Log format: 'text' or 'json'")
	fs.BoolLong("version", "Show version information")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("OCR_REVIEW")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// newEngine builds the configured OCR engine
func newEngine(ctx context.Context, cfg config) (scanning.Engine, error) {
	switch cfg.engine {
	case "tesseract":
		slog.Info("Initializing Tesseract engine...", "languages", cfg.languages)
		return tesseract.New(strings.Split(cfg.languages, ",")...), nil
	case "vision":
		slog.Info("Initializing Cloud Vision engine...")
		return scanning.NewVision(ctx)
	case "documentai":
		if cfg.documentAIName == "" {
			return nil, errors.New("--documentai-processor is required for the documentai engine")
		}
		slog.Info("Initializing Document AI engine...", "processor", cfg.documentAIName)
		return scanning.NewDocumentAI(ctx, cfg.documentAIName)
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		slog.Info("Initializing Gemini engine...", "model", cfg.geminiModel)
		return scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama engine...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid engine %q", cfg.engine)
	}
}

// newStorage builds the configured file storage
func newStorage(ctx context.Context, cfg config) (review.Storage, func(), error) {
	switch cfg.storage {
	case "local":
		slog.Info("Initializing local storage...", "path", cfg.storagePath)
		store, err := review.NewLocalStorage(cfg.storagePath)
		return store, func() {}, err
	case "gcs":
		if cfg.gcsBucket == "" {
			return nil, nil, errors.New("--gcs-bucket is required for gcs storage")
		}
		slog.Info("Initializing Cloud Storage...", "bucket", cfg.gcsBucket)
		store, err := review.NewGCSStorage(ctx, cfg.gcsBucket)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("invalid storage %q", cfg.storage)
	}
}

// newPublisher always logs events and also sends them when a sink is set
func newPublisher(cfg config) (events.Publisher, error) {
	logPublisher := events.NewLogPublisher(slog.Default())
	if cfg.eventsTarget == "" {
		return logPublisher, nil
	}
	ce, err := events.NewCloudEventsPublisher(cfg.eventsTarget, cfg.eventsSource)
	if err != nil {
		return nil, err
	}
	slog.Info("Publishing events", "target", cfg.eventsTarget)
	return events.Fanout{logPublisher, ce}, nil
}

func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...")
	db, err := review.NewBoltDB(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	recordStore, err := records.NewBoltStore(db.Bolt())
	if err != nil {
		return fmt.Errorf("initializing record store: %w", err)
	}

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	engine = scanning.WithLimits(engine, cfg.engineConcurrency, cfg.engineTimeout)
	defer engine.Close()

	store, closeStore, err := newStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer closeStore()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("initializing events: %w", err)
	}
	notifier := events.NewNotifier(publisher, 10*time.Second)
	defer notifier.Wait()

	svcCfg := review.DefaultConfig()
	svcCfg.ClaimTTL = cfg.claimTTL
	svcCfg.Workers = cfg.workers
	svcCfg.QueueSize = cfg.queueSize
	svcCfg.DuplicateWait = cfg.duplicateWait
	svcCfg.Quality = quality.Config{
		MinWidth:       cfg.minWidth,
		MinHeight:      cfg.minHeight,
		BlurThreshold:  cfg.blurThreshold,
		MinContrast:    svcCfg.Quality.MinContrast,
		MaxSkewDegrees: svcCfg.Quality.MaxSkewDegrees,
		MinTextChars:   cfg.minTextChars,
	}
	svcCfg.Extraction.ConfidenceThreshold = cfg.confidence
	svcCfg.Duplicate.Threshold = cfg.duplicate
	svcCfg.Duplicate.Window = cfg.duplicateWindow
	svcCfg.Duplicate.MaxCandidates = cfg.maxCandidates

	service := review.NewService(review.Deps{
		Repository:   db,
		Storage:      store,
		Engine:       engine,
		Materializer: records.NewMaterializer(recordStore),
		Records:      recordStore,
		Notifier:     notifier,
	}, svcCfg)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		service.Run(ctx)
	}()

	server := review.NewServer(service, review.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", httpServer.Addr), "engine", engine.Name(), "version", version)
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server", "error", err)
	}
	<-workersDone
	return nil
}
