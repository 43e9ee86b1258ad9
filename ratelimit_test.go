package panelmux

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitAllowsUnderBudget(t *testing.T) {
	inner := &countingClient{}
	client := WithRateLimit(inner, RPM(5))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Complete(ctx, ChatRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.callCount() != 5 {
		t.Errorf("made %d calls, want 5", inner.callCount())
	}
}

func TestRateLimitZeroMeansUnlimited(t *testing.T) {
	inner := &countingClient{}
	client := WithRateLimit(inner)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if _, err := client.Complete(ctx, ChatRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestRateLimitBlocksOverBudget(t *testing.T) {
	inner := &countingClient{}
	client := WithRateLimit(inner, RPM(1))

	ctx := context.Background()
	if _, err := client.Complete(ctx, ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// The second call must wait out the window; cancel instead.
	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx2, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("made %d calls, want 1", inner.callCount())
	}
}
