package panelmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// --- Tab transport mock (shared across broadcast, session, engine tests) ---

type sentMessage struct {
	tabID int
	msg   TabMessage
}

// memTransport records every delivered message and can simulate missing tabs
// and per-tab send failures.
type memTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	gone    map[int]bool
	sendErr map[int]error
}

func newMemTransport() *memTransport {
	return &memTransport{gone: make(map[int]bool), sendErr: make(map[int]error)}
}

func (t *memTransport) Send(_ context.Context, tabID int, msg TabMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sendErr[tabID]; err != nil {
		return err
	}
	if t.gone[tabID] {
		return fmt.Errorf("tab %d: %w", tabID, ErrNoReceiver)
	}
	t.sent = append(t.sent, sentMessage{tabID: tabID, msg: msg})
	return nil
}

func (t *memTransport) Exists(_ context.Context, tabID int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.gone[tabID], nil
}

func (t *memTransport) markGone(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gone[tabID] = true
}

func (t *memTransport) failWith(tabID int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr[tabID] = err
}

func (t *memTransport) messagesFor(tabID int) []TabMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TabMessage
	for _, s := range t.sent {
		if s.tabID == tabID {
			out = append(out, s.msg)
		}
	}
	return out
}

func (t *memTransport) actionsFor(tabID int) []string {
	var out []string
	for _, m := range t.messagesFor(tabID) {
		out = append(out, m.Action())
	}
	return out
}

// waitForAction polls until tabID has received a message with the given
// action, failing the test after two seconds.
func (t *memTransport) waitForAction(tb testing.TB, tabID int, action string) TabMessage {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range t.messagesFor(tabID) {
			if m.Action() == action {
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("tab %d never received %s; got %v", tabID, action, t.actionsFor(tabID))
	return nil
}

// --- Store mocks ---

type memAgents struct {
	mu     sync.Mutex
	agents map[string]AgentConfig
	setErr error
}

func newMemAgents(agents ...AgentConfig) *memAgents {
	m := &memAgents{agents: make(map[string]AgentConfig)}
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	return m
}

func (m *memAgents) GetAgent(_ context.Context, id string) (AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return AgentConfig{}, fmt.Errorf("agent %q: %w", id, ErrNoAgent)
	}
	return a, nil
}

func (m *memAgents) ListAgents(_ context.Context) ([]AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AgentConfig
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m *memAgents) SaveAgent(_ context.Context, a AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	return nil
}

func (m *memAgents) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

func (m *memAgents) SetConversation(_ context.Context, agentID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, ErrNoAgent)
	}
	a.ConversationID = conversationID
	m.agents[agentID] = a
	return nil
}

type memConvs struct {
	mu        sync.Mutex
	msgs      map[string][]Message
	turns     []Turn
	loadErr   error
	appendErr error
}

func newMemConvs() *memConvs {
	return &memConvs{msgs: make(map[string][]Message)}
}

func (m *memConvs) Messages(_ context.Context, conversationID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.msgs[conversationID], nil
}

func (m *memConvs) AppendTurn(_ context.Context, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns = append(m.turns, turn)
	seq := int64(len(m.msgs[turn.ConversationID]))
	m.msgs[turn.ConversationID] = append(m.msgs[turn.ConversationID],
		Message{ConversationID: turn.ConversationID, Role: "user", Content: turn.UserText, Seq: seq + 1},
		Message{ConversationID: turn.ConversationID, Role: "assistant", Content: turn.AssistantText, Seq: seq + 2},
	)
	return nil
}

func (m *memConvs) storedTurns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns...)
}

// --- Completion client mocks ---

// scriptedBody serves chunks one per Read. After the chunks are exhausted it
// returns EOF, the configured error, or blocks until closed depending on
// configuration. Close mimics net/http response body close semantics.
type scriptedBody struct {
	mu     sync.Mutex
	chunks []string
	i      int
	err    error         // returned after chunks, instead of EOF
	block  chan struct{} // non-nil: block after chunks until closed
	closed bool
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errors.New("http: read on closed response body")
	}
	if b.i < len(b.chunks) {
		c := b.chunks[b.i]
		b.i++
		b.mu.Unlock()
		return copy(p, c), nil
	}
	blocked := b.block
	err := b.err
	b.mu.Unlock()

	if blocked != nil {
		<-blocked
		return 0, errors.New("http: read on closed response body")
	}
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

func (b *scriptedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		if b.block != nil {
			close(b.block)
		}
	}
	return nil
}

func (b *scriptedBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// sseChunkLine frames one content delta the way a chat-completions stream
// does.
func sseChunkLine(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(data) + "\n"
}

// sseBody builds a body streaming the given deltas, one chunk per delta,
// ending with the [DONE] sentinel.
func sseBody(deltas ...string) *scriptedBody {
	var chunks []string
	for _, d := range deltas {
		chunks = append(chunks, sseChunkLine(d))
	}
	chunks = append(chunks, "data: [DONE]\n")
	return &scriptedBody{chunks: chunks}
}

// mockClient scripts Complete responses in order and hands out stream bodies
// from a factory.
type mockClient struct {
	mu        sync.Mutex
	responses []ChatResponse
	i         int
	err       error

	newBody   func() io.ReadCloser
	streamErr error

	requests []ChatRequest
}

func (m *mockClient) Complete(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ChatResponse{}, m.err
	}
	if m.i >= len(m.responses) {
		return ChatResponse{}, errors.New("mockClient: no scripted response left")
	}
	resp := m.responses[m.i]
	m.i++
	return resp, nil
}

func (m *mockClient) Stream(_ context.Context, req ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.newBody(), nil
}

func (m *mockClient) recordedRequests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// --- Tool backend mock ---

type recordedCall struct {
	name string
	args string
}

type mockBackend struct {
	mu     sync.Mutex
	defs   []ToolDefinition
	result string
	err    error
	calls  []recordedCall
}

func (m *mockBackend) ListTools(_ context.Context) ([]ToolDefinition, error) {
	return m.defs, nil
}

func (m *mockBackend) CallTool(_ context.Context, name string, args json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{name: name, args: string(args)})
	return m.result, m.err
}

func (m *mockBackend) recordedCalls() []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedCall(nil), m.calls...)
}
