package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/panelmux/panelmux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubSendWithoutReceiver(t *testing.T) {
	hub := NewTabHub(testLogger())
	err := hub.Send(context.Background(), 7, panelmux.HideLoading{AgentID: "a1"})
	if !errors.Is(err, panelmux.ErrNoReceiver) {
		t.Errorf("Send() error = %v, want ErrNoReceiver", err)
	}
}

func TestHubAttachAndSend(t *testing.T) {
	hub := NewTabHub(testLogger())
	ch := hub.Attach(7)

	if err := hub.Send(context.Background(), 7, panelmux.ShowLoading{AgentID: "a1"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	msg := <-ch
	if msg.Action() != "SHOW_LOADING" {
		t.Errorf("received action = %q, want SHOW_LOADING", msg.Action())
	}

	ok, err := hub.Exists(context.Background(), 7)
	if err != nil || !ok {
		t.Errorf("Exists(7) = %v, %v, want true", ok, err)
	}
	ok, _ = hub.Exists(context.Background(), 8)
	if ok {
		t.Error("Exists(8) = true for unattached tab")
	}
}

func TestHubAttachReplacesConnection(t *testing.T) {
	hub := NewTabHub(testLogger())
	old := hub.Attach(7)
	fresh := hub.Attach(7)

	if _, ok := <-old; ok {
		t.Error("old channel still open after replacement")
	}

	if err := hub.Send(context.Background(), 7, panelmux.HideLoading{AgentID: "a1"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case <-fresh:
	default:
		t.Error("message not delivered to replacement connection")
	}
}

func TestHubDetach(t *testing.T) {
	hub := NewTabHub(testLogger())
	ch := hub.Attach(7)
	if !hub.Detach(7, ch) {
		t.Error("Detach of current connection reported not current")
	}

	if ok, _ := hub.Exists(context.Background(), 7); ok {
		t.Error("tab still exists after Detach")
	}
	err := hub.Send(context.Background(), 7, panelmux.HideLoading{})
	if !errors.Is(err, panelmux.ErrNoReceiver) {
		t.Errorf("Send() after Detach error = %v, want ErrNoReceiver", err)
	}
}

func TestHubDetachStaleConnection(t *testing.T) {
	hub := NewTabHub(testLogger())
	old := hub.Attach(7)
	hub.Attach(7)

	// Detaching with the superseded channel must not drop the live one,
	// and must report the connection as replaced so the caller does not
	// treat the tab as closed.
	if hub.Detach(7, old) {
		t.Error("stale Detach reported the connection as current")
	}
	if ok, _ := hub.Exists(context.Background(), 7); !ok {
		t.Error("live connection removed by stale Detach")
	}
}

func TestHubSendQueueFull(t *testing.T) {
	hub := NewTabHub(testLogger())
	hub.Attach(7)

	ctx := context.Background()
	for range tabQueueSize {
		if err := hub.Send(ctx, 7, panelmux.HideLoading{}); err != nil {
			t.Fatalf("Send() error while filling queue: %v", err)
		}
	}
	err := hub.Send(ctx, 7, panelmux.HideLoading{})
	if err == nil {
		t.Fatal("expected error for full queue")
	}
	if errors.Is(err, panelmux.ErrNoReceiver) {
		t.Error("full queue reported as ErrNoReceiver; tab would be pruned")
	}
}
