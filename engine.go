package panelmux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Default engine tuning. Product-tuned, not load-bearing; override through
// EngineOptions.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultAnalyzeTimeout = 90 * time.Second
	DefaultChatTimeout    = 15 * time.Minute
)

// Engine dispatches the panel request vocabulary, owning the Tracker,
// Registry, and Router it constructs. Collaborators (stores, completion
// client, tab transport, tool backends) are injected.
type Engine struct {
	agents AgentStore
	convs  ConversationStore
	client CompletionClient
	tabs   TabTransport

	// dialTool builds a ToolBackend for a tool-capable agent's server URL.
	dialTool func(url string) ToolBackend

	tracker  *Tracker
	registry *Registry
	router   *Router

	sweepInterval  time.Duration
	analyzeTimeout time.Duration
	chatTimeout    time.Duration
	maxIterations  int
	bufferCap      int

	logger *slog.Logger
	tracer Tracer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's structured logger, shared with the
// components it constructs.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer enables span creation for streams and tool loops.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithToolDialer sets the factory for tool backends. Required for agents
// with BackendToolCapable; without it those agents fail with a
// configuration error.
func WithToolDialer(dial func(url string) ToolBackend) EngineOption {
	return func(e *Engine) { e.dialTool = dial }
}

// WithSweepInterval overrides the orphan-stream sweep interval.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithTimeouts overrides the per-operation timeouts for page analysis and
// chat turns.
func WithTimeouts(analyze, chat time.Duration) EngineOption {
	return func(e *Engine) { e.analyzeTimeout = analyze; e.chatTimeout = chat }
}

// WithMaxToolIterations overrides the tool loop's iteration cap.
func WithMaxToolIterations(n int) EngineOption {
	return func(e *Engine) { e.maxIterations = n }
}

// WithEngineBufferCap overrides the per-session accumulated content cap.
func WithEngineBufferCap(n int) EngineOption {
	return func(e *Engine) { e.bufferCap = n }
}

// subscriptions joins the Tracker and Registry for the Router's prune path:
// a pruned tab leaves the subscription map and every session's subscriber
// set in one step.
type subscriptions struct {
	tracker  *Tracker
	registry *Registry
}

func (s *subscriptions) TabsForAgent(agentID string) []int { return s.tracker.TabsForAgent(agentID) }
func (s *subscriptions) AllTabs() []int                    { return s.tracker.AllTabs() }
func (s *subscriptions) DropTab(tabID int) {
	s.tracker.DropTab(tabID)
	if s.registry != nil {
		s.registry.Unsubscribe(tabID)
	}
}

// NewEngine constructs an Engine and its internal registries. No globals:
// every dependency is held by the engine instance.
func NewEngine(agents AgentStore, convs ConversationStore, client CompletionClient, tabs TabTransport, opts ...EngineOption) *Engine {
	e := &Engine{
		agents:         agents,
		convs:          convs,
		client:         client,
		tabs:           tabs,
		sweepInterval:  DefaultSweepInterval,
		analyzeTimeout: DefaultAnalyzeTimeout,
		chatTimeout:    DefaultChatTimeout,
		maxIterations:  DefaultMaxIterations,
		bufferCap:      DefaultBufferCap,
		logger:         nopLogger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	e.tracker = NewTracker(WithTrackerLogger(e.logger))
	subs := &subscriptions{tracker: e.tracker}
	e.router = NewRouter(tabs, subs, WithRouterLogger(e.logger))
	regOpts := []RegistryOption{WithRegistryLogger(e.logger), WithBufferCap(e.bufferCap), WithSubscriberView(subs)}
	if e.tracer != nil {
		regOpts = append(regOpts, WithRegistryTracer(e.tracer))
	}
	e.registry = NewRegistry(e.router, regOpts...)
	subs.registry = e.registry

	return e
}

// Router exposes the engine's broadcast router, for transports that need to
// push engine-independent messages.
func (e *Engine) Router() *Router { return e.router }

// Start launches the orphan-stream sweeper. Stop it with Close.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				if n := e.registry.SweepOrphans(); n > 0 {
					e.logger.Info("orphan streams cancelled", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweeper and waits for it to exit.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// TabClosed removes a closed tab from every subscriber set.
func (e *Engine) TabClosed(tabID int) {
	e.tracker.TabClosed(tabID)
	e.registry.Unsubscribe(tabID)
}

// TabNavigating removes a tab whose load state became "loading": a new
// top-level navigation is starting and the departing page must stop
// receiving updates.
func (e *Engine) TabNavigating(tabID int) {
	e.tracker.TabNavigating(tabID)
	e.registry.Unsubscribe(tabID)
}

// Handle dispatches one panel request. The switch over the closed Request
// set is exhaustive; an unknown variant is a programming error.
func (e *Engine) Handle(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case JoinPanel:
		return e.handleJoin(ctx, r)
	case LeavePanel:
		e.tracker.Leave(r.TabID)
		e.registry.Unsubscribe(r.TabID)
		return nil
	case StartNewConversation:
		return e.handleNewConversation(ctx, r)
	case SwitchAgent:
		return e.handleSwitchAgent(ctx, r)
	case AnalyzePage:
		return e.runTurn(ctx, turnRequest{
			tabID:       r.TabID,
			agentID:     r.AgentID,
			pageURL:     r.URL,
			pageTitle:   r.Title,
			pageContent: r.Content,
			timeout:     e.analyzeTimeout,
		})
	case SendChat:
		return e.runTurn(ctx, turnRequest{
			tabID:     r.TabID,
			agentID:   r.AgentID,
			userText:  norm.NFC.String(r.Text),
			pageURL:   r.URL,
			pageTitle: r.Title,
			timeout:   e.chatTimeout,
		})
	default:
		return fmt.Errorf("unhandled request %T", req)
	}
}

func (e *Engine) handleJoin(ctx context.Context, r JoinPanel) error {
	agent, err := e.agents.GetAgent(ctx, r.AgentID)
	if err != nil {
		return e.configError(ctx, r.TabID, r.AgentID, err)
	}

	e.tracker.Join(r.TabID, agent.ID, agent.ConversationID)
	// Mid-flight join: replay the accumulated stream content so the panel
	// is not blank until the next live delta.
	e.registry.Subscribe(agent.ID, r.TabID)

	bestEffort(e.logger, "send conversation state", func() error {
		return e.router.ToTab(ctx, r.TabID, ConversationState{
			AgentID:        agent.ID,
			ConversationID: agent.ConversationID,
		})
	})
	return nil
}

func (e *Engine) handleNewConversation(ctx context.Context, r StartNewConversation) error {
	agent, err := e.agents.GetAgent(ctx, r.AgentID)
	if err != nil {
		return e.configError(ctx, r.TabID, r.AgentID, err)
	}

	convID := NewConversationID()
	if err := e.agents.SetConversation(ctx, agent.ID, convID); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	// The requesting tab may not have joined yet; make sure it is
	// subscribed so it hears the new conversation id.
	if !e.tracker.SwitchAgent(r.TabID, agent.ID, convID) {
		e.tracker.Join(r.TabID, agent.ID, convID)
	}
	e.router.ToAgentTabs(ctx, agent.ID, ConversationState{
		AgentID:        agent.ID,
		ConversationID: convID,
	})
	return nil
}

func (e *Engine) handleSwitchAgent(ctx context.Context, r SwitchAgent) error {
	agent, err := e.agents.GetAgent(ctx, r.AgentID)
	if err != nil {
		return e.configError(ctx, r.TabID, r.AgentID, err)
	}

	// Atomic move: out of the old agent's subscriber sets, into the new.
	if !e.tracker.SwitchAgent(r.TabID, agent.ID, agent.ConversationID) {
		e.tracker.Join(r.TabID, agent.ID, agent.ConversationID)
	}
	e.registry.Unsubscribe(r.TabID)
	e.registry.Subscribe(agent.ID, r.TabID)

	snapshot, _ := e.registry.Snapshot(agent.ID)
	bestEffort(e.logger, "send conversation state", func() error {
		return e.router.ToTab(ctx, r.TabID, ConversationState{
			AgentID:        agent.ID,
			ConversationID: agent.ConversationID,
			Content:        snapshot,
		})
	})
	return nil
}

// turnRequest is one user-visible completion turn, chat or page analysis.
type turnRequest struct {
	tabID       int
	agentID     string
	userText    string // empty = analyze-page turn
	pageURL     string
	pageTitle   string
	pageContent string
	timeout     time.Duration
}

// runTurn executes one turn end to end under the operation timeout. All
// terminal failures surface as SHOW_ERROR and hide the loading indicator.
func (e *Engine) runTurn(ctx context.Context, tr turnRequest) error {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()

	agent, err := e.agents.GetAgent(ctx, tr.agentID)
	if err != nil {
		return e.configError(ctx, tr.tabID, tr.agentID, err)
	}

	// Ensure the agent has a conversation to append to.
	if agent.ConversationID == "" {
		convID := NewConversationID()
		if err := e.agents.SetConversation(ctx, agent.ID, convID); err != nil {
			return e.configError(ctx, tr.tabID, agent.ID, err)
		}
		agent.ConversationID = convID
	}

	e.tracker.Join(tr.tabID, agent.ID, agent.ConversationID)
	e.router.ToAgentTabs(ctx, agent.ID, ShowLoading{AgentID: agent.ID})

	if agent.Backend == BackendToolCapable {
		return e.runToolTurn(ctx, agent, tr)
	}
	return e.runStreamTurn(ctx, agent, tr)
}

// runToolTurn delegates to the ToolLoop, which owns its own loading-hide
// and persistence guarantees.
func (e *Engine) runToolTurn(ctx context.Context, agent AgentConfig, tr turnRequest) error {
	if e.dialTool == nil || agent.ToolServerURL == "" {
		err := fmt.Errorf("agent %s: no tool server configured", agent.ID)
		e.router.ToAgentTabs(ctx, agent.ID, ShowError{AgentID: agent.ID, Message: err.Error()})
		e.router.ToAgentTabs(ctx, agent.ID, HideLoading{AgentID: agent.ID})
		return err
	}

	loop := &ToolLoop{
		Agent:         agent,
		Client:        e.client,
		Tools:         e.dialTool(agent.ToolServerURL),
		Router:        e.router,
		Conversations: e.convs,
		UserText:      tr.userText,
		PageURL:       tr.pageURL,
		PageTitle:     tr.pageTitle,
		PageContent:   tr.pageContent,
		MaxIterations: e.maxIterations,
		Logger:        e.logger,
		Tracer:        e.tracer,
	}
	return loop.Run(ctx)
}

// runStreamTurn sends the completion request and pumps the streaming body
// through the Registry. Non-streaming agents get a single full-content delta.
func (e *Engine) runStreamTurn(ctx context.Context, agent AgentConfig, tr turnRequest) error {
	userText := tr.userText
	if userText == "" {
		userText = pageAnalysisPrompt(tr.pageURL, tr.pageTitle, tr.pageContent)
	}

	messages, err := buildHistory(ctx, e.convs, agent, userText)
	if err != nil {
		return e.turnError(ctx, agent.ID, fmt.Errorf("load conversation: %w", err))
	}

	req := ChatRequest{
		Model:    agent.Model,
		Messages: messages,
		Params:   agent.Params,
		Stream:   agent.Stream,
	}

	var content string
	if agent.Stream {
		body, err := e.client.Stream(ctx, req)
		if err != nil {
			return e.turnError(ctx, agent.ID, err)
		}
		e.registry.Register(ctx, agent.ID, body, tr.tabID)
		content, err = e.registry.Process(ctx, agent.ID)
		if err != nil {
			// Process already broadcast the error and hid loading.
			return err
		}
	} else {
		resp, err := e.client.Complete(ctx, req)
		if err != nil {
			return e.turnError(ctx, agent.ID, err)
		}
		content = resp.Content
		e.router.ToAgentTabs(ctx, agent.ID, StreamContent{AgentID: agent.ID, Content: content, IsFirst: true})
		e.router.ToAgentTabs(ctx, agent.ID, HideLoading{AgentID: agent.ID})
	}

	if content != "" {
		bestEffort(e.logger, "persist turn", func() error {
			return e.convs.AppendTurn(ctx, Turn{
				ConversationID: agent.ConversationID,
				AgentID:        agent.ID,
				Model:          agent.Model,
				UserText:       userText,
				AssistantText:  content,
				URL:            tr.pageURL,
				Title:          tr.pageTitle,
			})
		})
	}
	return nil
}

// turnError surfaces a terminal failure: the subscribers see the error and
// the loading indicator goes away.
func (e *Engine) turnError(ctx context.Context, agentID string, err error) error {
	e.logger.Error("turn failed", "agent", agentID, "error", err)
	e.router.ToAgentTabs(ctx, agentID, ShowError{AgentID: agentID, Message: err.Error()})
	e.router.ToAgentTabs(ctx, agentID, HideLoading{AgentID: agentID})
	return err
}

// configError reports a configuration problem (typically a missing agent)
// to the requesting tab directly; there is no subscriber set to address.
func (e *Engine) configError(ctx context.Context, tabID int, agentID string, err error) error {
	e.logger.Error("configuration error", "agent", agentID, "error", err)
	bestEffort(e.logger, "send config error", func() error {
		return e.router.ToTab(ctx, tabID, ShowError{AgentID: agentID, Message: err.Error()})
	})
	return err
}
