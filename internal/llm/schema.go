package llm

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/recall/internal/faults"
)

// extractionSchema validates the structured output of the extraction model
// before any candidate reaches the pipeline.
const extractionSchemaJSON = `{
  "type": "object",
  "required": ["memories"],
  "properties": {
    "memories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["content", "type", "importance"],
        "properties": {
          "content": {"type": "string", "minLength": 1, "maxLength": 10000},
          "type": {"type": "string", "enum": ["factual", "preference", "issue", "emotion", "relationship"]},
          "importance": {"type": "integer"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "source_quote": {"type": "string"}
        }
      }
    }
  }
}`

var extractionSchema = jsonschema.MustCompileString("extraction.json", extractionSchemaJSON)

// ParseExtraction validates and decodes the extraction model's raw output.
// Markdown code fences are tolerated; everything else schema-invalid fails
// with InvalidLLMOutput.
func ParseExtraction(raw string) ([]ExtractedMemory, error) {
	trimmed := stripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(trimmed), &generic); err != nil {
		return nil, faults.Wrap(faults.InvalidLLMOutput, err, "extraction output is not JSON")
	}
	if err := extractionSchema.Validate(generic); err != nil {
		return nil, faults.Wrap(faults.InvalidLLMOutput, err, "extraction output failed schema validation")
	}

	var out struct {
		Memories []ExtractedMemory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, faults.Wrap(faults.InvalidLLMOutput, err, "decode extraction output")
	}
	if out.Memories == nil {
		out.Memories = []ExtractedMemory{}
	}
	return out.Memories, nil
}

// stripFences removes a wrapping markdown code fence if present.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
