package scanning

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// Vision implements the Engine interface using Google Cloud Vision document
// text detection.
type Vision struct {
	client *vision.ImageAnnotatorClient
}

// NewVision creates a Vision engine. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS unless explicit client options are given.
func NewVision(ctx context.Context, opts ...option.ClientOption) (*Vision, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &Vision{client: client}, nil
}

func (v *Vision) Name() string { return "vision" }

// Recognize runs DOCUMENT_TEXT_DETECTION and returns one block per paragraph
// with the paragraph confidence reported by Vision.
func (v *Vision) Recognize(ctx context.Context, img Image) (*RawResult, error) {
	pngData, err := PrepareImage(img.Data, img.ContentType)
	if err != nil {
		return nil, wrapErr(v.Name(), "prepare image", err)
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: pngData},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
			},
		},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, wrapErr(v.Name(), "annotate image", err)
	}
	if len(resp.Responses) == 0 {
		return nil, wrapErr(v.Name(), "annotate image", ErrEmptyResult)
	}
	imgResp := resp.Responses[0]
	if imgResp.Error != nil {
		return nil, wrapErr(v.Name(), "annotate image", fmt.Errorf("vision API error: %s", imgResp.Error.Message))
	}
	if imgResp.FullTextAnnotation == nil {
		return nil, wrapErr(v.Name(), "annotate image", ErrEmptyResult)
	}

	result, err := NewRawResult(visionBlocks(imgResp.FullTextAnnotation))
	if err != nil {
		return nil, wrapErr(v.Name(), "collect blocks", err)
	}
	return result, nil
}

// visionBlocks flattens the page/block/paragraph hierarchy into paragraphs.
// Each paragraph is further split on line breaks so label/value lines stay
// intact for extraction.
func visionBlocks(annotation *visionpb.TextAnnotation) []Block {
	var blocks []Block
	for _, page := range annotation.Pages {
		for _, block := range page.Blocks {
			for _, para := range block.Paragraphs {
				var sb strings.Builder
				for _, word := range para.Words {
					for _, symbol := range word.Symbols {
						sb.WriteString(symbol.Text)
						if symbol.Property == nil || symbol.Property.DetectedBreak == nil {
							continue
						}
						switch symbol.Property.DetectedBreak.Type {
						case visionpb.TextAnnotation_DetectedBreak_SPACE, visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
							sb.WriteString(" ")
						case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE, visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
							sb.WriteString("\n")
						}
					}
				}
				blocks = append(blocks, BlocksFromText(sb.String(), float64(para.Confidence))...)
			}
		}
	}
	if len(blocks) == 0 && annotation.Text != "" {
		blocks = BlocksFromText(annotation.Text, 0.5)
	}
	return blocks
}

// Close closes the underlying Vision client.
func (v *Vision) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
