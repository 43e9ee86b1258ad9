package panelmux

import (
	"context"
	"encoding/json"
	"io"
)

// AgentStore persists agent configurations. Implementations must uphold the
// at-least-one-agent invariant: deleting the last agent recreates a default.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (AgentConfig, error)
	ListAgents(ctx context.Context) ([]AgentConfig, error)
	SaveAgent(ctx context.Context, a AgentConfig) error
	DeleteAgent(ctx context.Context, id string) error
	// SetConversation points an agent at its current conversation.
	SetConversation(ctx context.Context, agentID, conversationID string) error
}

// ConversationStore persists conversation history as a capped append-only
// list. Callers re-fetch before appending rather than caching collections
// across blocking calls.
type ConversationStore interface {
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	// AppendTurn stores one completed exchange (user message + assistant
	// reply) with monotonic per-conversation sequence numbers.
	AppendTurn(ctx context.Context, turn Turn) error
}

// CompletionClient is the narrow interface to the chat-completions endpoint.
type CompletionClient interface {
	// Complete sends a non-streaming request and returns the full response.
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Stream sends a streaming request and returns the raw response body.
	// The caller owns the body and must close it; the Registry reads it
	// chunk by chunk through the ChunkDecoder.
	Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}

// ToolBackend is the narrow interface to an external tool server.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	// CallTool executes one tool and returns its textual content. A non-nil
	// error means the call itself failed; the ToolLoop records it as the
	// tool-result content rather than aborting.
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// TabTransport delivers messages to browser tabs and answers existence
// checks. Send must fail with ErrNoReceiver (possibly wrapped) when the tab
// has no listening panel.
type TabTransport interface {
	Send(ctx context.Context, tabID int, msg TabMessage) error
	Exists(ctx context.Context, tabID int) (bool, error)
}
