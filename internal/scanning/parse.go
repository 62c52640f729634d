package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcribePrompt is the shared prompt used by the LLM-backed engines. The
// model transcribes rather than interprets; field extraction happens later.
const transcribePrompt = `You are an OCR engine. Transcribe every line of text visible in this business document (invoice, payment voucher or sales receipt) exactly as printed, top to bottom.

For each line also estimate how confident you are that the transcription is character-exact, as a number between 0.0 and 1.0. Use lower values for smudged, cut-off, handwritten or otherwise hard to read text.

Return ONLY valid JSON in this exact format:
{
  "blocks": [
    {"text": "line text", "confidence": 0.95}
  ]
}

Important:
- Do not correct, normalise or reformat numbers, dates or identifiers
- Keep labels and values on the same line when they are printed on the same line
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

type transcription struct {
	Blocks []Block `json:"blocks"`
}

// parseTranscription parses the JSON response of an LLM engine into a RawResult
func parseTranscription(text string) (*RawResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data transcription
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return NewRawResult(data.Blocks)
}
