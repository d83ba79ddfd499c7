// Package tools defines the typed tool registry exposed to the LLM
// during foreground conversations, and the bounded parallel executor
// that runs tool calls.
package tools

import (
	"context"

	"penny/internal/llm"
)

// ResultKind discriminates tool results.
type ResultKind int

const (
	// ResultText is a plain text result.
	ResultText ResultKind = iota
	// ResultSearch is a search result carrying source URLs.
	ResultSearch
	// ResultImage carries a generated image.
	ResultImage
	// ResultError reports a failed execution.
	ResultError
)

// Result is the outcome of one tool execution.
type Result struct {
	Kind        ResultKind
	Text        string
	URLs        []string
	ImageBase64 string
	Err         error
}

// Content renders the result as the text fed back to the model.
func (r Result) Content() string {
	if r.Kind == ResultError && r.Err != nil {
		return "tool error: " + r.Err.Error()
	}
	return r.Text
}

// Tool is a unit callable by the model.
type Tool interface {
	// Name returns the tool's registry key.
	Name() string

	// Definition returns the schema advertised to the model.
	Definition() llm.ToolDefinition

	// Execute runs the tool. Arguments have been parsed from the
	// model's tool-call payload.
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// StringArg extracts a string argument, tolerating absent keys.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BoolArg extracts a bool argument.
func BoolArg(args map[string]any, key string) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
