package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements Client for testing. Chat responses are served
// from a script in order; Embed returns deterministic vectors unless
// overridden per input.
type MockClient struct {
	mu         sync.Mutex
	script     []*ChatResponse
	scriptErrs []error
	calls      []ChatRequest

	EmbedFunc func(inputs []string) [][]float32
	ImageFunc func(prompt string) (string, error)
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Enqueue appends a scripted response.
func (m *MockClient) Enqueue(resp *ChatResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, resp)
	m.scriptErrs = append(m.scriptErrs, nil)
	return m
}

// EnqueueText appends a scripted plain-text response.
func (m *MockClient) EnqueueText(content string) *MockClient {
	return m.Enqueue(&ChatResponse{Content: content})
}

// EnqueueToolCall appends a scripted response requesting one tool call.
func (m *MockClient) EnqueueToolCall(name string, args map[string]any) *MockClient {
	return m.Enqueue(&ChatResponse{
		ToolCalls: []ToolCall{{Function: ToolCallFunction{Name: name, Arguments: args}}},
	})
}

// EnqueueError appends a scripted failure.
func (m *MockClient) EnqueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, nil)
	m.scriptErrs = append(m.scriptErrs, err)
	return m
}

// Calls returns a copy of every chat request received so far.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// CallCount returns the number of chat requests received.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.script) == 0 {
		return nil, fmt.Errorf("mock llm: no scripted response for request %d", len(m.calls))
	}
	resp, err := m.script[0], m.scriptErrs[0]
	m.script = m.script[1:]
	m.scriptErrs = m.scriptErrs[1:]
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *MockClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ChatResponse, error) {
	messages := make([]Message, 0, 2)
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	messages = append(messages, UserMessage(prompt))
	return m.Chat(ctx, ChatRequest{Model: opts.Model, Messages: messages, Tools: opts.Tools, Format: opts.Format})
}

func (m *MockClient) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.EmbedFunc != nil {
		return m.EmbedFunc(inputs), nil
	}
	// Deterministic fallback: hash each input into a small vector so
	// identical texts embed identically.
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		var h uint32 = 2166136261
		for _, b := range []byte(input) {
			h = (h ^ uint32(b)) * 16777619
		}
		vectors[i] = []float32{
			float32(h%1000) / 1000,
			float32((h>>10)%1000) / 1000,
			float32((h>>20)%1000) / 1000,
		}
	}
	return vectors, nil
}

func (m *MockClient) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.ImageFunc != nil {
		return m.ImageFunc(prompt)
	}
	return "", fmt.Errorf("mock llm: image generation not configured")
}
