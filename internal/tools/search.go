package tools

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
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
)

// Searcher performs an external web search and returns answer text
// plus source URLs.
type Searcher interface {
	Search(ctx context.Context, query string) (string, []string, error)
}

// PerplexityClient implements Searcher against the Perplexity API.
type PerplexityClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewPerplexityClient creates a search client.
func NewPerplexityClient(apiKey string) *PerplexityClient {
	return &PerplexityClient{
		apiKey:     apiKey,
		model:      "sonar",
		baseURL:    "https://api.perplexity.ai",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logging.NewComponentLogger("search"),
	}
}

type perplexityRequest struct {
	Model    string       `json:"model"`
	Messages []llm.Message `json:"messages"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// Search runs one query and returns the answer text with citations.
func (c *PerplexityClient) Search(ctx context.Context, query string) (string, []string, error) {
	payload := perplexityRequest{
		Model:    c.model,
		Messages: []llm.Message{llm.UserMessage(query)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("search failed: %s", strings.TrimSpace(string(raw)))
		return "", nil, errors.ClassifyHTTPStatus(resp.StatusCode, err)
	}

	var parsed perplexityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, fmt.Errorf("search returned no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Citations, nil
}

// SearchLogger records completed searches in the knowledge store.
type SearchLogger interface {
	CreateSearchLog(ctx context.Context, l store.SearchLog) (int64, error)
}

// SearchTool exposes web search to the model. Every executed search is
// recorded as a search log so the extraction pipeline can mine it.
type SearchTool struct {
	searcher Searcher
	logs     SearchLogger
	logger   logging.Logger
}

// NewSearchTool creates the search tool.
func NewSearchTool(searcher Searcher, logs SearchLogger) *SearchTool {
	return &SearchTool{
		searcher: searcher,
		logs:     logs,
		logger:   logging.NewComponentLogger("search-tool"),
	}
}

type searchUserKey struct{}

// WithSearchUser tags ctx with the user a search is performed for, so
// the resulting search log is attributed correctly.
func WithSearchUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, searchUserKey{}, user)
}

func searchUser(ctx context.Context) string {
	if user, ok := ctx.Value(searchUserKey{}).(string); ok {
		return user
	}
	return ""
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Definition() llm.ToolDefinition {
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The web search query",
			},
		},
		"required": []string{"query"},
	})
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "search",
			Description: "Search the web for current information. Returns an answer with source URLs.",
			Parameters:  params,
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	query := strings.TrimSpace(StringArg(args, "query"))
	if query == "" {
		return Result{Kind: ResultError, Err: fmt.Errorf("search requires a query")}, nil
	}

	text, urls, err := t.searcher.Search(ctx, query)
	if err != nil {
		return Result{Kind: ResultError, Err: err}, nil
	}

	if t.logs != nil {
		if _, logErr := t.logs.CreateSearchLog(ctx, store.SearchLog{
			User:     searchUser(ctx),
			Query:    query,
			Response: text,
			Trigger:  store.TriggerUserMessage,
		}); logErr != nil {
			t.logger.Warn("failed to record search log: %v", logErr)
		}
	}

	return Result{Kind: ResultSearch, Text: text, URLs: urls}, nil
}
