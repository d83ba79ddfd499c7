package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Schema builds a JSON-schema format payload for structured output.
// Properties maps field names to their schema fragments; all listed
// fields are required.
func Schema(properties map[string]any) json.RawMessage {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		// Properties maps of plain JSON types cannot fail to marshal.
		panic(fmt.Sprintf("marshal schema: %v", err))
	}
	return raw
}

// StringArraySchema is a schema fragment for a list of strings.
func StringArraySchema() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
}

// DecodeStructured parses a structured-output response into out.
// Malformed JSON is first run through jsonrepair; if it still fails to
// parse, the error is returned for the caller to treat as "no result".
func DecodeStructured(content string, out any) error {
	content = stripCodeFence(content)
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty structured response")
	}

	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return fmt.Errorf("repair structured response: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode structured response: %w", err)
	}
	return nil
}

// GenerateStructured runs a structured Generate call and decodes the
// result into out.
func GenerateStructured(ctx context.Context, client Client, model, prompt string, format json.RawMessage, out any) error {
	resp, err := client.Generate(ctx, prompt, GenerateOptions{Model: model, Format: format})
	if err != nil {
		return err
	}
	return DecodeStructured(resp.Content, out)
}

// stripCodeFence removes a surrounding markdown code fence when the
// model wraps its JSON in one.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
