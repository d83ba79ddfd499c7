// Package llm talks to an Ollama-compatible endpoint: chat completion
// with tool calling, structured JSON output, embeddings, and image
// generation.
package llm

import (
	"context"
	"encoding/json"
)

// Client represents the LLM backend.
type Client interface {
	// Chat sends messages and returns a response (non-streaming).
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Generate is a convenience wrapper around Chat for a single user prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ChatResponse, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)

	// GenerateImage returns a base64-encoded PNG.
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}

// ChatRequest contains all parameters for a chat completion.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// Format is an optional JSON schema constraining the output.
	Format      json.RawMessage `json:"format,omitempty"`
	Temperature float64         `json:"-"`
	MaxTokens   int             `json:"-"`
}

// GenerateOptions configures a Generate call.
type GenerateOptions struct {
	Model  string
	System string
	Tools  []ToolDefinition
	Format json.RawMessage
}

// ChatResponse is the LLM's reply.
type ChatResponse struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message represents a conversation message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"` // base64 payloads, user role only
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"` // set on tool-role messages
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and its parsed arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// ToolMessage builds a tool-role message carrying a tool result.
func ToolMessage(toolName, content string) Message {
	return Message{Role: "tool", ToolName: toolName, Content: content}
}
