package scanning

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// DocumentAI implements the Engine interface with a Document AI OCR processor.
type DocumentAI struct {
	client        *documentai.DocumentProcessorClient
	processorName string
}

// NewDocumentAI creates a Document AI engine for the fully qualified
// processor name (projects/{p}/locations/{l}/processors/{id}). The regional
// endpoint is derived from the location segment.
func NewDocumentAI(ctx context.Context, processorName string, opts ...option.ClientOption) (*DocumentAI, error) {
	location, err := processorLocation(processorName)
	if err != nil {
		return nil, err
	}
	if location != "us" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location)))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating document ai client: %w", err)
	}
	return &DocumentAI{client: client, processorName: processorName}, nil
}

func (d *DocumentAI) Name() string { return "documentai" }

// Recognize processes the image and returns one block per detected line
func (d *DocumentAI) Recognize(ctx context.Context, img Image) (*RawResult, error) {
	pngData, err := PrepareImage(img.Data, img.ContentType)
	if err != nil {
		return nil, wrapErr(d.Name(), "prepare image", err)
	}

	req := &documentaipb.ProcessRequest{
		Name: d.processorName,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  pngData,
				MimeType: "image/png",
			},
		},
	}

	resp, err := d.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, wrapErr(d.Name(), "process document", err)
	}
	doc := resp.GetDocument()
	if doc == nil || strings.TrimSpace(doc.GetText()) == "" {
		return nil, wrapErr(d.Name(), "process document", ErrEmptyResult)
	}

	var blocks []Block
	for _, page := range doc.GetPages() {
		for _, line := range page.GetLines() {
			layout := line.GetLayout()
			blocks = append(blocks, Block{
				Text:       anchorText(doc.GetText(), layout.GetTextAnchor()),
				Confidence: float64(layout.GetConfidence()),
			})
		}
	}
	if len(blocks) == 0 {
		blocks = BlocksFromText(doc.GetText(), 0.5)
	}

	result, err := NewRawResult(blocks)
	if err != nil {
		return nil, wrapErr(d.Name(), "collect blocks", err)
	}
	return result, nil
}

// anchorText resolves the text segments a layout points at
func anchorText(text string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	var sb strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := int(seg.GetStartIndex()), int(seg.GetEndIndex())
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		sb.WriteString(text[start:end])
	}
	return strings.TrimSpace(sb.String())
}

func processorLocation(name string) (string, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 6 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "processors" {
		return "", fmt.Errorf("invalid document ai processor name %q", name)
	}
	return parts[3], nil
}

// Close closes the underlying Document AI client.
func (d *DocumentAI) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
