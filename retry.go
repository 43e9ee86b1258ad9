package panelmux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

// retryClient wraps a CompletionClient and automatically retries transient
// HTTP errors (429 Too Many Requests, 503 Service Unavailable) with
// exponential backoff. Only non-streaming calls are retried: a stream that
// has started delivering deltas must never be replayed.
type retryClient struct {
	inner       CompletionClient
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryClient.
type RetryOption func(*retryClient)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClient) { r.logger = l }
}

// WithRetry wraps c with automatic retry on transient HTTP errors. Retries
// use exponential backoff with jitter; when the error carries a Retry-After
// duration, the delay is at least that long.
func WithRetry(c CompletionClient, opts ...RetryOption) CompletionClient {
	r := &retryClient{
		inner:       c,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete implements CompletionClient with retry.
func (r *retryClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (ChatResponse, error) {
		return r.inner.Complete(ctx, req)
	})
}

// Stream implements CompletionClient. The request that opens the stream may
// be retried (no bytes have been consumed yet); once the body is returned,
// errors pass through to the stream loop.
func (r *retryClient) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (io.ReadCloser, error) {
		return r.inner.Stream(ctx, req)
	})
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted", "attempts", maxAttempts, "error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
