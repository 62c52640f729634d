// Package tesseract provides a local OCR engine backed by libtesseract.
package tesseract

import (
	"context"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/zombor/ocr-review/internal/scanning"
)

// minHeight is the page height below which images are upscaled before
// recognition; Tesseract accuracy drops sharply on small glyphs.
const minHeight = 1600

// Engine implements scanning.Engine using the gosseract client. A fresh
// client is created per call since gosseract clients are not safe for
// concurrent use.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract engine. languages are Tesseract trained data
// names such as "eng" or "hin".
func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize preprocesses the image (grayscale, upscale) and returns one block
// per recognised text line with the line confidence.
func (e *Engine) Recognize(ctx context.Context, img scanning.Image) (*scanning.RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := scanning.DecodeImage(img.Data, img.ContentType)
	if err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "decode image", Err: err}
	}
	gray := imaging.Grayscale(src)
	if gray.Bounds().Dy() < minHeight {
		gray = imaging.Resize(gray, 0, minHeight, imaging.Lanczos)
	}
	pngData, err := scanning.EncodePNG(gray)
	if err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "encode image", Err: err}
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(e.languages...); err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "set languages", Err: err}
	}
	if err := c.SetImageFromBytes(pngData); err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "set image", Err: err}
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "recognize lines", Err: err}
	}

	blocks := make([]scanning.Block, 0, len(boxes))
	for _, b := range boxes {
		blocks = append(blocks, scanning.Block{
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
		})
	}

	result, err := scanning.NewRawResult(blocks)
	if err != nil {
		return nil, &scanning.EngineError{Engine: e.Name(), Op: "collect lines", Err: err}
	}
	return result, nil
}

// Close is a no-op; clients are closed per call.
func (e *Engine) Close() error { return nil }
