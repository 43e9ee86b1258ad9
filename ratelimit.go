package panelmux

import (
	"context"
	"io"
	"sync"
	"time"
)

// rateLimitClient wraps a CompletionClient with proactive request-per-minute
// limiting. Requests block until the sliding-window budget allows them.
type rateLimitClient struct {
	inner CompletionClient
	mu    sync.Mutex

	rpm    int
	window []time.Time
}

// RateLimitOption configures a rateLimitClient.
type RateLimitOption func(*rateLimitClient)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitClient) { r.rpm = n }
}

// WithRateLimit wraps c with proactive rate limiting. Compose with other
// wrappers:
//
//	client = panelmux.WithRateLimit(panelmux.WithRetry(client), panelmux.RPM(60))
func WithRateLimit(c CompletionClient, opts ...RateLimitOption) CompletionClient {
	r := &rateLimitClient{inner: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	return r.inner.Complete(ctx, req)
}

func (r *rateLimitClient) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	return r.inner.Stream(ctx, req)
}

// waitForBudget blocks until the RPM budget allows a request. Returns
// ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitClient) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		keep := r.window[:0]
		for _, t := range r.window {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		r.window = keep

		if r.rpm <= 0 || len(r.window) < r.rpm {
			if r.rpm > 0 {
				r.window = append(r.window, now)
			}
			r.mu.Unlock()
			return nil
		}

		wait := r.window[0].Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
