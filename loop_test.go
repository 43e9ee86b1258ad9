package panelmux

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func testLoop(client *mockClient, backend *mockBackend, transport *memTransport, convs *memConvs) (*ToolLoop, *Tracker) {
	router, tracker := testRouter(transport)
	tracker.Join(1, "a1", "conv-1")
	loop := &ToolLoop{
		Agent: AgentConfig{
			ID:             "a1",
			Model:          "m",
			Backend:        BackendToolCapable,
			ConversationID: "conv-1",
		},
		Client:        client,
		Tools:         backend,
		Router:        router,
		Conversations: convs,
		UserText:      "what is 2+2?",
	}
	return loop, tracker
}

func TestToolLoopPlainAnswer(t *testing.T) {
	client := &mockClient{responses: []ChatResponse{{Content: "4"}}}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "calc"}}}
	transport := newMemTransport()
	convs := newMemConvs()
	loop, _ := testLoop(client, backend, transport, convs)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := transport.messagesFor(1)
	if len(msgs) != 2 {
		t.Fatalf("actions = %v", transport.actionsFor(1))
	}
	sc, ok := msgs[0].(StreamContent)
	if !ok || sc.Content != "4" || !sc.IsFirst {
		t.Errorf("answer = %+v", msgs[0])
	}
	if msgs[1].Action() != "HIDE_LOADING" {
		t.Errorf("final = %v", msgs[1].Action())
	}

	turns := convs.storedTurns()
	if len(turns) != 1 || turns[0].AssistantText != "4" || turns[0].UserText != "what is 2+2?" {
		t.Errorf("stored turns = %+v", turns)
	}
}

func TestToolLoopExecutesToolsThenAnswers(t *testing.T) {
	client := &mockClient{responses: []ChatResponse{
		{ToolCalls: []ToolCall{
			{ID: "t1", Name: "calc", Args: json.RawMessage(`{"expr":"2+2"}`)},
			{ID: "t2", Name: "calc", Args: json.RawMessage(`{"expr":"3+3"}`)},
		}},
		{Content: "4 and 6"},
	}}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "calc"}}, result: "ok"}
	transport := newMemTransport()
	loop, _ := testLoop(client, backend, transport, newMemConvs())

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := backend.recordedCalls()
	if len(calls) != 2 || calls[0].name != "calc" || calls[1].name != "calc" {
		t.Fatalf("tool calls = %+v", calls)
	}

	// The second completion request carries both tool results.
	reqs := client.recordedRequests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests", len(reqs))
	}
	var toolMsgs int
	for _, m := range reqs[1].Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Errorf("second request has %d tool messages, want 2", toolMsgs)
	}
}

func TestToolLoopToolErrorBecomesResult(t *testing.T) {
	client := &mockClient{responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "flaky", Args: json.RawMessage(`{}`)}}},
		{Content: "done anyway"},
	}}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "flaky"}}, err: errors.New("backend down")}
	transport := newMemTransport()
	loop, _ := testLoop(client, backend, transport, newMemConvs())

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := client.recordedRequests()
	last := reqs[len(reqs)-1].Messages
	found := false
	for _, m := range last {
		if m.Role == "tool" && strings.Contains(m.Content, "backend down") {
			found = true
		}
	}
	if !found {
		t.Error("tool failure not fed back as result content")
	}
	for _, a := range transport.actionsFor(1) {
		if a == "SHOW_ERROR" {
			t.Error("tool failure surfaced as terminal error")
		}
	}
}

func TestToolLoopIterationCap(t *testing.T) {
	// Every completion demands another tool call; the loop must stop.
	loops := []ChatResponse{}
	for i := 0; i < 10; i++ {
		loops = append(loops, ChatResponse{ToolCalls: []ToolCall{{ID: "t", Name: "calc", Args: json.RawMessage(`{}`)}}})
	}
	client := &mockClient{responses: loops}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "calc"}}, result: "ok"}
	transport := newMemTransport()
	convs := newMemConvs()
	loop, _ := testLoop(client, backend, transport, convs)
	loop.MaxIterations = 3

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(client.recordedRequests()); got != 3 {
		t.Errorf("made %d completion calls, want 3", got)
	}
	msg := transport.waitForAction(t, 1, "STREAM_CONTENT")
	sc := msg.(StreamContent)
	if !strings.Contains(sc.Content, "too many tool interactions") || !sc.IsFirst {
		t.Errorf("fallback = %+v", sc)
	}
	turns := convs.storedTurns()
	if len(turns) != 1 || !strings.Contains(turns[0].AssistantText, "too many tool interactions") {
		t.Errorf("stored turns = %+v", turns)
	}
}

func TestToolLoopCompletionFailure(t *testing.T) {
	client := &mockClient{err: errors.New("llm down")}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "calc"}}}
	transport := newMemTransport()
	loop, _ := testLoop(client, backend, transport, newMemConvs())

	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	actions := transport.actionsFor(1)
	var sawError, sawHide bool
	for _, a := range actions {
		if a == "SHOW_ERROR" {
			sawError = true
		}
		if a == "HIDE_LOADING" {
			sawHide = true
		}
	}
	if !sawError || !sawHide {
		t.Errorf("actions = %v, want SHOW_ERROR and HIDE_LOADING", actions)
	}
}

func TestToolLoopPersistFailureSwallowed(t *testing.T) {
	client := &mockClient{responses: []ChatResponse{{Content: "fine"}}}
	backend := &mockBackend{defs: []ToolDefinition{{Name: "calc"}}}
	transport := newMemTransport()
	convs := newMemConvs()
	convs.appendErr = errors.New("disk full")
	loop, _ := testLoop(client, backend, transport, convs)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("persistence failure aborted the turn: %v", err)
	}
}

func TestToolLoopPageAnalysisPrompt(t *testing.T) {
	client := &mockClient{responses: []ChatResponse{{Content: "summary"}}}
	backend := &mockBackend{defs: nil}
	transport := newMemTransport()
	loop, _ := testLoop(client, backend, transport, newMemConvs())
	loop.UserText = ""
	loop.PageURL = "https://example.com"
	loop.PageTitle = "Example"
	loop.PageContent = "body text"

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := client.recordedRequests()
	user := reqs[0].Messages[len(reqs[0].Messages)-1]
	if user.Role != "user" || !strings.Contains(user.Content, "https://example.com") ||
		!strings.Contains(user.Content, "body text") {
		t.Errorf("synthesized prompt = %+v", user)
	}
}
