package panelmux

import (
	"encoding/json"
	"fmt"
)

// The panel protocol is a closed set of typed messages in each direction.
// Inbound (panel → engine) values implement Request; outbound (engine →
// panel) values implement TabMessage. Engine.Handle switches exhaustively
// over the Request variants, so adding a variant without handling it is a
// compile-time hole rather than a silently ignored string key.

// --- Inbound requests ---

// Request is a panel-originated command. TabID identifies the sending tab.
type Request interface {
	isRequest()
	Action() string
}

// JoinPanel subscribes a tab's panel to an agent's updates.
type JoinPanel struct {
	TabID   int    `json:"tab_id"`
	AgentID string `json:"agent_id"`
}

// LeavePanel unsubscribes a tab from all agents.
type LeavePanel struct {
	TabID int `json:"tab_id"`
}

// StartNewConversation begins a fresh conversation for an agent.
type StartNewConversation struct {
	TabID   int    `json:"tab_id"`
	AgentID string `json:"agent_id"`
}

// SwitchAgent moves a tab's panel to a different agent.
type SwitchAgent struct {
	TabID   int    `json:"tab_id"`
	AgentID string `json:"agent_id"`
}

// AnalyzePage asks an agent to analyze captured page text.
type AnalyzePage struct {
	TabID   int    `json:"tab_id"`
	AgentID string `json:"agent_id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// SendChat sends a user chat turn to an agent.
type SendChat struct {
	TabID   int    `json:"tab_id"`
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
}

func (JoinPanel) isRequest()            {}
func (LeavePanel) isRequest()           {}
func (StartNewConversation) isRequest() {}
func (SwitchAgent) isRequest()          {}
func (AnalyzePage) isRequest()          {}
func (SendChat) isRequest()             {}

func (JoinPanel) Action() string            { return "JOIN_PANEL" }
func (LeavePanel) Action() string           { return "LEAVE_PANEL" }
func (StartNewConversation) Action() string { return "START_NEW_CONVERSATION" }
func (SwitchAgent) Action() string          { return "SWITCH_AGENT" }
func (AnalyzePage) Action() string          { return "ANALYZE_PAGE" }
func (SendChat) Action() string             { return "CHAT_MESSAGE" }

// DecodeRequest parses a wire envelope {action, ...fields} into the matching
// Request variant. Unknown actions are an error: the inbound vocabulary is
// closed.
func DecodeRequest(data []byte) (Request, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch envelope.Action {
	case "JOIN_PANEL":
		var r JoinPanel
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	case "LEAVE_PANEL":
		var r LeavePanel
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	case "START_NEW_CONVERSATION":
		var r StartNewConversation
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	case "SWITCH_AGENT":
		var r SwitchAgent
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	case "ANALYZE_PAGE":
		var r AnalyzePage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	case "CHAT_MESSAGE":
		var r SendChat
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown action %q", envelope.Action)
	}
}

// --- Outbound tab messages ---

// TabMessage is an engine-originated update delivered to a tab's panel.
type TabMessage interface {
	isTabMessage()
	Action() string
}

// StreamContent carries one content delta of an agent's live stream. IsFirst
// is set on exactly one delta per stream session (or on the synthetic
// catch-up delta sent to a late joiner) and tells the panel to reset its
// display before appending.
type StreamContent struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
	IsFirst bool   `json:"is_first"`
}

// ShowLoading tells the panel to show its loading indicator.
type ShowLoading struct {
	AgentID string `json:"agent_id"`
}

// HideLoading tells the panel to hide its loading indicator.
type HideLoading struct {
	AgentID string `json:"agent_id"`
}

// ShowError surfaces a terminal error to the panel.
type ShowError struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// ConversationState delivers an agent's current conversation id plus the
// accumulated stream content, sent when a tab joins or switches agents.
type ConversationState struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content,omitempty"`
}

func (StreamContent) isTabMessage()     {}
func (ShowLoading) isTabMessage()       {}
func (HideLoading) isTabMessage()       {}
func (ShowError) isTabMessage()         {}
func (ConversationState) isTabMessage() {}

func (StreamContent) Action() string     { return "STREAM_CONTENT" }
func (ShowLoading) Action() string       { return "SHOW_LOADING" }
func (HideLoading) Action() string       { return "HIDE_LOADING" }
func (ShowError) Action() string         { return "SHOW_ERROR" }
func (ConversationState) Action() string { return "CONVERSATION_STATE" }

// EncodeTabMessage marshals a TabMessage into its wire envelope, injecting
// the action discriminator alongside the variant's own fields.
func EncodeTabMessage(msg TabMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["action"] = msg.Action()
	return json.Marshal(fields)
}
