// Package output turns raw collaborator text into structured phase output.
//
// Agent responses are rarely clean JSON: models wrap objects in markdown
// fences, add commentary around them, and produce trailing commas. The
// processor extracts what it can and always preserves the raw text, so
// transition conditions can match on either form.
package output

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/workflow"
)

// Extraction routes recorded under metadata["extraction"].
const (
	// ExtractionDirect means the whole text parsed as a JSON object.
	ExtractionDirect = "direct"
	// ExtractionEmbedded means an object was recovered from a markdown
	// fence or surrounding prose.
	ExtractionEmbedded = "embedded"
	// ExtractionArray means a JSON array was recovered and wrapped under
	// the items key.
	ExtractionArray = "array"
	// ExtractionNone means no JSON could be recovered; structured is empty.
	ExtractionNone = "none"
)

// ItemsKey is the structured key holding a recovered top-level JSON array.
const ItemsKey = "items"

// Processor performs best-effort extraction of structured data from raw
// text. Process is deterministic for the same inputs and never fails:
// unparseable text yields an empty structured map with the raw preserved.
type Processor struct {
	logger *slog.Logger
}

// NewProcessor creates an output processor.
func NewProcessor(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger}
}

// Process extracts structured data from raw text. The optional schema names
// expected properties; declared keys absent from the extraction are listed
// under metadata["missing_fields"] so callers can tell a thin answer from a
// parse failure.
func (p *Processor) Process(raw string, schema map[string]any) *workflow.PhaseOutput {
	structured, route := p.extract(raw)

	metadata := map[string]any{"extraction": route}
	if missing := missingFields(structured, schema); len(missing) > 0 {
		metadata["missing_fields"] = missing
	}

	return &workflow.PhaseOutput{
		Structured: structured,
		Raw:        raw,
		Metadata:   metadata,
	}
}

// extract tries progressively looser parses and reports which one worked.
func (p *Processor) extract(raw string) (map[string]any, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, ExtractionNone
	}

	// Whole text is a JSON object.
	if strings.HasPrefix(trimmed, "{") {
		var structured map[string]any
		if err := json.Unmarshal([]byte(trimmed), &structured); err == nil {
			return structured, ExtractionDirect
		}
	}

	// Object inside a fence or prose, with comment and trailing-comma
	// cleanup.
	if extracted := llm.ExtractJSON(raw); extracted != "" {
		var structured map[string]any
		if err := json.Unmarshal([]byte(extracted), &structured); err == nil {
			return structured, ExtractionEmbedded
		}
		p.logger.Debug("Extracted JSON object did not parse", "length", len(extracted))
	}

	// A bare array wraps under items so structured stays a map.
	if extracted := llm.ExtractJSONArray(raw); extracted != "" {
		var items []any
		if err := json.Unmarshal([]byte(extracted), &items); err == nil {
			return map[string]any{ItemsKey: items}, ExtractionArray
		}
	}

	return map[string]any{}, ExtractionNone
}

// missingFields returns schema-declared property names absent from the
// structured map, sorted for determinism. Schemas follow the JSON-schema
// convention of a properties map.
func missingFields(structured, schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	var missing []string
	for name := range properties {
		if _, present := structured[name]; !present {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
