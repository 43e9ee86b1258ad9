package panelmux

import (
	"log/slog"
	"sort"
	"sync"
)

// Subscription records which agent and conversation a tab's panel displays.
type Subscription struct {
	AgentID        string
	ConversationID string
	Visible        bool
}

// Tracker owns the tab → subscription mapping. It is the single source of
// truth for which tabs belong to which agent; the Router reads it through
// the SubscriberView interface and prunes through DropTab.
//
// All methods are safe for concurrent use. Nothing else mutates the map.
type Tracker struct {
	mu     sync.Mutex
	subs   map[int]Subscription
	logger *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets a structured logger for subscription changes.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{subs: make(map[int]Subscription), logger: nopLogger}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Join records (or overwrites) a tab's subscription.
func (t *Tracker) Join(tabID int, agentID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[tabID] = Subscription{AgentID: agentID, ConversationID: conversationID, Visible: true}
	t.logger.Debug("panel joined", "tab", tabID, "agent", agentID)
}

// Leave removes a tab's subscription entirely.
func (t *Tracker) Leave(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, tabID)
	t.logger.Debug("panel left", "tab", tabID)
}

// TabClosed removes a closed tab from every agent's subscriber set.
func (t *Tracker) TabClosed(tabID int) {
	t.Leave(tabID)
}

// TabNavigating removes a tab that started a new top-level navigation. A tab
// mid-navigation must stop receiving updates for the page it is leaving.
func (t *Tracker) TabNavigating(tabID int) {
	t.Leave(tabID)
}

// SwitchAgent moves a tab's subscription to a new agent atomically. Returns
// false if the tab has no subscription to move.
func (t *Tracker) SwitchAgent(tabID int, newAgentID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[tabID]
	if !ok {
		return false
	}
	sub.AgentID = newAgentID
	sub.ConversationID = conversationID
	t.subs[tabID] = sub
	t.logger.Debug("panel switched agent", "tab", tabID, "agent", newAgentID)
	return true
}

// Get returns a tab's subscription.
func (t *Tracker) Get(tabID int) (Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[tabID]
	return sub, ok
}

// TabsForAgent returns the tabs currently subscribed to an agent, sorted for
// deterministic broadcast order.
func (t *Tracker) TabsForAgent(agentID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tabs []int
	for id, sub := range t.subs {
		if sub.AgentID == agentID {
			tabs = append(tabs, id)
		}
	}
	sort.Ints(tabs)
	return tabs
}

// AllTabs returns every subscribed tab, sorted.
func (t *Tracker) AllTabs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	tabs := make([]int, 0, len(t.subs))
	for id := range t.subs {
		tabs = append(tabs, id)
	}
	sort.Ints(tabs)
	return tabs
}

// DropTab removes a tab from every subscriber set. The Router calls it when
// delivery shows the tab's panel is permanently unreachable.
func (t *Tracker) DropTab(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[tabID]; ok {
		delete(t.subs, tabID)
		t.logger.Debug("tab pruned", "tab", tabID)
	}
}
