package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"penny/internal/errors"
	"penny/internal/logging"
)

// Config holds connection settings for an Ollama-compatible endpoint.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// httpClientAPI implements Client against an Ollama-compatible server.
type httpClientAPI struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*httpClientAPI)(nil)

// NewClient creates an Ollama-compatible HTTP client.
func NewClient(cfg Config) Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpClientAPI{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm"),
	}
}

func (c *httpClientAPI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := chatPayload{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Format:   req.Format,
		Stream:   false,
	}
	options := make(map[string]any)
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		payload.Options = options
	}

	var response chatResponsePayload
	if err := c.post(ctx, "/chat", payload, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("llm error: %s", response.Error)
	}

	return &ChatResponse{
		Content:   response.Message.Content,
		Thinking:  response.Message.Thinking,
		ToolCalls: response.Message.ToolCalls,
		Usage: TokenUsage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
			TotalTokens:      response.PromptEvalCount + response.EvalCount,
		},
	}, nil
}

func (c *httpClientAPI) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ChatResponse, error) {
	messages := make([]Message, 0, 2)
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	messages = append(messages, UserMessage(prompt))
	return c.Chat(ctx, ChatRequest{
		Model:    opts.Model,
		Messages: messages,
		Tools:    opts.Tools,
		Format:   opts.Format,
	})
}

func (c *httpClientAPI) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model not configured")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	payload := embedPayload{Model: model, Input: inputs}
	var response embedResponsePayload
	if err := c.post(ctx, "/embed", payload, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("embed error: %s", response.Error)
	}
	if len(response.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", len(response.Embeddings), len(inputs))
	}
	return response.Embeddings, nil
}

func (c *httpClientAPI) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		return "", fmt.Errorf("image model not configured")
	}
	payload := generatePayload{Model: model, Prompt: prompt}
	var response generateResponsePayload
	if err := c.post(ctx, "/generate", payload, &response); err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", fmt.Errorf("image generation error: %s", response.Error)
	}
	if len(response.Images) == 0 {
		return "", fmt.Errorf("image generation returned no images")
	}
	return response.Images[0], nil
}

func (c *httpClientAPI) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("llm request %s failed: %s", path, strings.TrimSpace(string(raw)))
		return errors.ClassifyHTTPStatus(resp.StatusCode, err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
}

type chatPayload struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Format   json.RawMessage  `json:"format,omitempty"`
	Stream   bool             `json:"stream"`
	Options  map[string]any   `json:"options,omitempty"`
}

type responseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type chatResponsePayload struct {
	Model           string          `json:"model"`
	Message         responseMessage `json:"message"`
	Done            bool            `json:"done"`
	DoneReason      string          `json:"done_reason"`
	PromptEvalCount int             `json:"prompt_eval_count"`
	EvalCount       int             `json:"eval_count"`
	Error           string          `json:"error"`
}

type embedPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponsePayload struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

type generatePayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateResponsePayload struct {
	Response string   `json:"response"`
	Images   []string `json:"images"`
	Error    string   `json:"error"`
}
