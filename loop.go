package panelmux

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultMaxIterations bounds the tool-call loop. Without a cap a model that
// keeps requesting tools would cycle forever.
const DefaultMaxIterations = 5

// maxIterationsMessage is delivered when the loop hits its iteration cap.
const maxIterationsMessage = "This request required too many tool interactions to complete. " +
	"Try breaking it into smaller questions."

// ToolLoop orchestrates one user turn for a tool-capable agent: repeated
// completion calls interleaved with tool executions against the agent's
// tool server, until the model produces a plain-text answer or the
// iteration cap is hit.
type ToolLoop struct {
	Agent         AgentConfig
	Client        CompletionClient
	Tools         ToolBackend
	Router        *Router
	Conversations ConversationStore

	// UserText is the user's message. Empty means a page-analysis turn;
	// a user message is synthesized from the page fields instead.
	UserText    string
	PageURL     string
	PageTitle   string
	PageContent string

	MaxIterations int // 0 = DefaultMaxIterations
	Logger        *slog.Logger
	Tracer        Tracer
}

// Run executes the loop. Whatever happens, the loading indicator is hidden
// on exit and the completed turn is persisted best-effort. A returned error
// has already been surfaced to the subscriber tabs as a SHOW_ERROR.
func (l *ToolLoop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = nopLogger
	}
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	agentID := l.Agent.ID

	defer l.Router.ToAgentTabs(ctx, agentID, HideLoading{AgentID: agentID})

	var span Span
	if l.Tracer != nil {
		ctx, span = l.Tracer.Start(ctx, "tool.loop",
			StringAttr("agent", agentID),
			IntAttr("max_iterations", maxIter))
		defer span.End()
	}

	fail := func(err error) error {
		if span != nil {
			span.Error(err)
		}
		l.Router.ToAgentTabs(ctx, agentID, ShowError{AgentID: agentID, Message: err.Error()})
		return err
	}

	// Init: fetch the tool catalog and translate it to function-calling form.
	tools, err := l.Tools.ListTools(ctx)
	if err != nil {
		return fail(fmt.Errorf("list tools: %w", err))
	}

	// BuildHistory: prior conversation + the new user turn.
	userText := l.UserText
	if userText == "" {
		userText = pageAnalysisPrompt(l.PageURL, l.PageTitle, l.PageContent)
	}
	messages, err := buildHistory(ctx, l.Conversations, l.Agent, userText)
	if err != nil {
		return fail(fmt.Errorf("load conversation: %w", err))
	}

	persist := func(assistantText string) {
		bestEffort(logger, "persist tool loop turn", func() error {
			return l.Conversations.AppendTurn(ctx, Turn{
				ConversationID: l.Agent.ConversationID,
				AgentID:        agentID,
				Model:          l.Agent.Model,
				UserText:       userText,
				AssistantText:  assistantText,
				URL:            l.PageURL,
				Title:          l.PageTitle,
			})
		})
	}

	for i := 0; i < maxIter; i++ {
		resp, err := l.Client.Complete(ctx, ChatRequest{
			Model:    l.Agent.Model,
			Messages: messages,
			Params:   l.Agent.Params,
			Tools:    tools,
		})
		if err != nil {
			return fail(fmt.Errorf("completion failed: %w", err))
		}

		// Plain text, no tool calls: the terminal answer.
		if len(resp.ToolCalls) == 0 {
			if span != nil {
				span.SetAttr(IntAttr("iterations", i+1))
			}
			l.Router.ToAgentTabs(ctx, agentID, StreamContent{
				AgentID: agentID,
				Content: resp.Content,
				IsFirst: true,
			})
			persist(resp.Content)
			return nil
		}

		// Record the calls, then execute them sequentially. A single tool
		// failure becomes that call's result content so the model can react;
		// it never aborts the loop.
		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			if span != nil {
				span.Event("tool.call", StringAttr("name", tc.Name), IntAttr("iteration", i))
			}
			content, err := l.Tools.CallTool(ctx, tc.Name, tc.Args)
			if err != nil {
				logger.Warn("tool execution failed", "tool", tc.Name, "error", err)
				content = "error: " + err.Error()
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}
	}

	// Iteration cap: deliver the fallback explanation instead of an answer.
	logger.Warn("tool loop hit iteration cap", "agent", agentID, "iterations", maxIter)
	if span != nil {
		span.SetAttr(BoolAttr("max_iterations_reached", true))
	}
	l.Router.ToAgentTabs(ctx, agentID, StreamContent{
		AgentID: agentID,
		Content: maxIterationsMessage,
		IsFirst: true,
	})
	persist(maxIterationsMessage)
	return nil
}

// pageAnalysisPrompt synthesizes the user message for an analyze-page turn.
func pageAnalysisPrompt(url, title, content string) string {
	return fmt.Sprintf(
		"Analyze the following web page and summarize its key points.\n\nTitle: %s\nURL: %s\n\n%s",
		title, url, content)
}

// buildHistory loads the agent's conversation, prepends the system message,
// and appends the new user turn.
func buildHistory(ctx context.Context, convs ConversationStore, agent AgentConfig, userText string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if agent.SystemMessage != "" {
		messages = append(messages, SystemMessage(agent.SystemMessage))
	}

	prior, err := convs.Messages(ctx, agent.ConversationID)
	if err != nil {
		return nil, err
	}
	for _, m := range prior {
		messages = append(messages, ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	return append(messages, UserMessage(userText)), nil
}
