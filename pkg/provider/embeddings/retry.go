package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// maxRetries bounds the number of additional attempts after the first call.
// A bounded retry budget (≤2) keeps a transient backend hiccup from turning
// into an unbounded retry storm against an embedding API.
const maxRetries = 2

// RetryDecorator wraps a [Provider] and retries Embed/EmbedBatch up to
// maxRetries times on failure. Context cancellation is never retried.
//
// RetryDecorator is safe for concurrent use whenever the wrapped Provider is.
type RetryDecorator struct {
	inner Provider
}

// Compile-time interface assertion.
var _ Provider = (*RetryDecorator)(nil)

// WithRetry wraps inner with a bounded-retry decorator. Each call to Embed or
// EmbedBatch is attempted up to maxRetries+1 times before returning the last
// error.
func WithRetry(inner Provider) *RetryDecorator {
	return &RetryDecorator{inner: inner}
}

// Embed implements [Provider], retrying transient failures.
func (r *RetryDecorator) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := retry(ctx, "Embed", func() error {
		var innerErr error
		vec, innerErr = r.inner.Embed(ctx, text)
		return innerErr
	})
	return vec, err
}

// EmbedBatch implements [Provider], retrying transient failures.
func (r *RetryDecorator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := retry(ctx, "EmbedBatch", func() error {
		var innerErr error
		vecs, innerErr = r.inner.EmbedBatch(ctx, texts)
		return innerErr
	})
	return vecs, err
}

// Dimensions implements [Provider].
func (r *RetryDecorator) Dimensions() int { return r.inner.Dimensions() }

// ModelID implements [Provider].
func (r *RetryDecorator) ModelID() string { return r.inner.ModelID() }

// retry runs fn up to maxRetries+1 times, returning nil on the first success.
// ctx cancellation aborts the loop immediately without consuming a retry.
func retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt < maxRetries {
			slog.Warn("embeddings provider call failed, retrying",
				"op", op, "attempt", attempt+1, "err", lastErr)
		}
	}
	return fmt.Errorf("embeddings: %s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}
