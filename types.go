package panelmux

import "encoding/json"

// --- Domain types ---

// BackendKind selects how an agent's completions are produced.
type BackendKind string

const (
	// BackendStandard is a plain chat-completions endpoint.
	BackendStandard BackendKind = "standard"
	// BackendToolCapable is an endpoint paired with an external tool server;
	// requests for it run through the ToolLoop instead of a direct stream.
	BackendToolCapable BackendKind = "tool-capable"
)

// DefaultTemperature is applied when an agent's temperature is unset.
const DefaultTemperature = 0.7

// AgentConfig is one configured persona: identity, model, and generation
// parameters. At least one agent always exists; deleting the last one
// recreates a default (enforced by the AgentStore implementation).
type AgentConfig struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Model          string           `json:"model"`
	SystemMessage  string           `json:"system_message"`
	Params         GenerationParams `json:"params"`
	Stream         bool             `json:"stream"`
	Backend        BackendKind      `json:"backend"`
	ToolServerURL  string           `json:"tool_server_url,omitempty"`
	ConversationID string           `json:"conversation_id"`
	CreatedAt      int64            `json:"created_at"`
}

// GenerationParams are sampling parameters passed through to the completion
// endpoint. All fields except Temperature are optional (nil = provider
// default). A zero Temperature means DefaultTemperature.
type GenerationParams struct {
	Temperature      float64  `json:"temperature"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MinP             *float64 `json:"min_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
}

// EffectiveTemperature returns Temperature, or DefaultTemperature when unset.
func (p GenerationParams) EffectiveTemperature() float64 {
	if p.Temperature == 0 {
		return DefaultTemperature
	}
	return p.Temperature
}

// Conversation is an ordered message history owned by one agent at a time.
type Conversation struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	CreatedAt int64  `json:"created_at"`
}

// Message is one stored entry of a conversation. Seq is a monotonic
// per-conversation sequence number; ordering is by Seq, never by wall clock,
// so a user message and its reply stored in the same instant cannot collide.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"` // "user", "assistant", "tool"
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"`
	Seq            int64      `json:"seq"`
	CreatedAt      int64      `json:"created_at"`
}

// Turn is one completed user exchange, persisted as a unit.
type Turn struct {
	ConversationID string
	AgentID        string
	Model          string
	UserText       string
	AssistantText  string
	URL            string
	Title          string
}

// --- LLM protocol types ---

// ChatMessage is a message in completion-API form.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system-role ChatMessage.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// UserMessage builds a user-role ChatMessage.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// ToolResultMessage builds a tool-role ChatMessage carrying a tool result.
func ToolResultMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: toolCallID}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool in function-calling form.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest is the provider-neutral completion request.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Params   GenerationParams `json:"params"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// ChatResponse is a complete (non-streaming) completion response.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage contains token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
