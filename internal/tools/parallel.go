package tools

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"penny/internal/llm"
)

// ExecuteAll runs the given tool calls in parallel with bounded
// concurrency and a per-tool timeout. Results are returned in call
// order; a failed or unknown tool yields an error result rather than
// failing the batch. Context cancellation aborts the batch.
func ExecuteAll(ctx context.Context, registry *Registry, calls []llm.ToolCall, timeout time.Duration, maxConcurrent int) ([]Result, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			tool, err := registry.Get(call.Function.Name)
			if err != nil {
				results[i] = Result{Kind: ResultError, Err: err}
				return nil
			}

			toolCtx := gctx
			var cancel context.CancelFunc
			if timeout > 0 {
				toolCtx, cancel = context.WithTimeout(gctx, timeout)
				defer cancel()
			}

			result, err := tool.Execute(toolCtx, call.Function.Arguments)
			if err != nil {
				// Cancellation propagates; everything else becomes an
				// error result for the model to see.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result = Result{Kind: ResultError, Err: fmt.Errorf("%s: %w", call.Function.Name, err)}
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
