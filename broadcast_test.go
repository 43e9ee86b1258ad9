package panelmux

import (
	"context"
	"errors"
	"testing"
)

func testRouter(transport *memTransport) (*Router, *Tracker) {
	tracker := NewTracker()
	return NewRouter(transport, tracker), tracker
}

func TestRouterDeliversToAgentTabs(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")
	tracker.Join(2, "a1", "c1")
	tracker.Join(3, "other", "c2")

	router.ToAgentTabs(context.Background(), "a1", ShowLoading{AgentID: "a1"})

	for _, tab := range []int{1, 2} {
		if got := transport.actionsFor(tab); len(got) != 1 || got[0] != "SHOW_LOADING" {
			t.Errorf("tab %d got %v", tab, got)
		}
	}
	if got := transport.actionsFor(3); len(got) != 0 {
		t.Errorf("unrelated tab got %v", got)
	}
}

func TestRouterPrunesMissingTab(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")
	tracker.Join(2, "a1", "c1")
	transport.markGone(2)

	router.ToAgentTabs(context.Background(), "a1", ShowLoading{AgentID: "a1"})

	if got := tracker.TabsForAgent("a1"); len(got) != 1 || got[0] != 1 {
		t.Errorf("subscriptions after prune = %v, want [1]", got)
	}
}

func TestRouterPrunesOnNoReceiver(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")
	transport.failWith(1, ErrNoReceiver)

	router.ToAgentTabs(context.Background(), "a1", ShowLoading{AgentID: "a1"})

	if got := tracker.TabsForAgent("a1"); len(got) != 0 {
		t.Errorf("unreachable tab kept: %v", got)
	}
}

func TestRouterKeepsTabOnTransientFailure(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")
	transport.failWith(1, errors.New("temporary glitch"))

	router.ToAgentTabs(context.Background(), "a1", ShowLoading{AgentID: "a1"})

	if got := tracker.TabsForAgent("a1"); len(got) != 1 {
		t.Errorf("tab pruned on transient failure: %v", got)
	}
}

func TestRouterToTab(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")

	if err := router.ToTab(context.Background(), 1, ShowError{AgentID: "a1", Message: "x"}); err != nil {
		t.Fatalf("ToTab: %v", err)
	}

	transport.failWith(1, ErrNoReceiver)
	if err := router.ToTab(context.Background(), 1, ShowError{AgentID: "a1", Message: "x"}); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("got %v, want ErrNoReceiver", err)
	}
	if got := tracker.TabsForAgent("a1"); len(got) != 0 {
		t.Errorf("tab kept after ErrNoReceiver: %v", got)
	}
}

func TestRouterToAllTabs(t *testing.T) {
	transport := newMemTransport()
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "c1")
	tracker.Join(2, "a2", "c2")

	router.ToAllTabs(context.Background(), HideLoading{AgentID: "a1"})

	for _, tab := range []int{1, 2} {
		if got := transport.actionsFor(tab); len(got) != 1 {
			t.Errorf("tab %d got %v", tab, got)
		}
	}
}
