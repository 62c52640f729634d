// Package scanning wraps OCR engines behind a single recognition capability.
//
// An Engine turns one document image into raw text blocks with per-block
// confidence. Engines are selected once at start-up and injected into the
// pipeline, so local (Tesseract) and hosted (Vision, Document AI, Gemini,
// Ollama) recognisers are interchangeable.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecode is returned when the image bytes cannot be decoded or converted.
	ErrDecode = errors.New("image could not be decoded")

	// ErrTimeout is returned when an engine call exceeds its deadline.
	ErrTimeout = errors.New("engine call timed out")

	// ErrEmptyResult is returned when the engine recognised no text at all.
	ErrEmptyResult = errors.New("engine returned no text")
)

// Image is a single document image submitted for recognition.
type Image struct {
	Data        []byte
	ContentType string
}

// Block is a contiguous run of recognised text.
type Block struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0.0 to 1.0
}

// RawResult is the engine output consumed by field extraction.
type RawResult struct {
	RawText          string  `json:"raw_text"`
	Blocks           []Block `json:"blocks"`
	EngineConfidence float64 `json:"engine_confidence"`
}

// Engine recognises text in a document image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img Image) (*RawResult, error)
	// Close releases engine resources
	Close() error
}

// EngineError wraps a failure with the engine and operation that produced it.
type EngineError struct {
	Engine string
	Op     string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func wrapErr(engine, op string, err error) error {
	if err == nil {
		return nil
	}
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return err
	}
	return &EngineError{Engine: engine, Op: op, Err: err}
}

// NewRawResult builds a result from blocks, deriving the raw text and the
// mean block confidence.
func NewRawResult(blocks []Block) (*RawResult, error) {
	kept := make([]Block, 0, len(blocks))
	lines := make([]string, 0, len(blocks))
	var sum float64
	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		conf := clamp(b.Confidence)
		kept = append(kept, Block{Text: text, Confidence: conf})
		lines = append(lines, text)
		sum += conf
	}
	if len(kept) == 0 {
		return nil, ErrEmptyResult
	}
	return &RawResult{
		RawText:          strings.Join(lines, "\n"),
		Blocks:           kept,
		EngineConfidence: sum / float64(len(kept)),
	}, nil
}

// BlocksFromText splits plain text into one block per non-empty line, all
// sharing the same confidence.
func BlocksFromText(text string, confidence float64) []Block {
	var blocks []Block
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		blocks = append(blocks, Block{Text: line, Confidence: confidence})
	}
	return blocks
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
