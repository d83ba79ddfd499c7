package llm

import (
	"context"

	"penny/internal/errors"
	"penny/internal/logging"
)

// retryClient wraps a Client with bounded exponential-backoff retries.
type retryClient struct {
	underlying Client
	config     errors.RetryConfig
	logger     logging.Logger
}

var _ Client = (*retryClient)(nil)

// NewRetryClient wraps an LLM client with retry logic.
func NewRetryClient(client Client, config errors.RetryConfig) Client {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*ChatResponse, error) {
		return c.underlying.Chat(ctx, req)
	}, c.logger)
}

func (c *retryClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*ChatResponse, error) {
	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*ChatResponse, error) {
		return c.underlying.Generate(ctx, prompt, opts)
	}, c.logger)
}

func (c *retryClient) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) ([][]float32, error) {
		return c.underlying.Embed(ctx, model, inputs)
	}, c.logger)
}

func (c *retryClient) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (string, error) {
		return c.underlying.GenerateImage(ctx, model, prompt)
	}, c.logger)
}
