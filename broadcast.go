package panelmux

import (
	"context"
	"errors"
	"log/slog"
)

// SubscriberView is the Router's read/prune window into tab subscriptions.
// *Tracker implements it.
type SubscriberView interface {
	TabsForAgent(agentID string) []int
	AllTabs() []int
	DropTab(tabID int)
}

// Router delivers messages to subscriber tabs. Delivery is best-effort per
// tab: a tab whose panel is gone is pruned from the subscriptions, a tab
// that fails transiently is kept, and no failure aborts the wave.
type Router struct {
	tabs   TabTransport
	subs   SubscriberView
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets a structured logger for delivery failures.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router delivering over tabs to the subscribers in subs.
func NewRouter(tabs TabTransport, subs SubscriberView, opts ...RouterOption) *Router {
	r := &Router{tabs: tabs, subs: subs, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ToAgentTabs delivers msg to every tab subscribed to agentID.
func (r *Router) ToAgentTabs(ctx context.Context, agentID string, msg TabMessage) {
	r.deliver(ctx, r.subs.TabsForAgent(agentID), msg)
}

// ToAllTabs delivers msg to every subscribed tab.
func (r *Router) ToAllTabs(ctx context.Context, msg TabMessage) {
	r.deliver(ctx, r.subs.AllTabs(), msg)
}

// ToTab delivers msg to a single tab. Used for late-joiner catch-up and
// conversation snapshots, where only one tab is interested.
func (r *Router) ToTab(ctx context.Context, tabID int, msg TabMessage) error {
	if err := r.tabs.Send(ctx, tabID, msg); err != nil {
		if errors.Is(err, ErrNoReceiver) {
			r.subs.DropTab(tabID)
		}
		return err
	}
	return nil
}

// deliver sends msg to each tab in order. Tabs that no longer exist or whose
// panel is unreachable are pruned; transient failures are logged and the tab
// kept (the failure may not repeat).
func (r *Router) deliver(ctx context.Context, tabs []int, msg TabMessage) {
	for _, tabID := range tabs {
		exists, err := r.tabs.Exists(ctx, tabID)
		if err != nil {
			r.logger.Warn("tab existence check failed", "tab", tabID, "error", err)
			continue
		}
		if !exists {
			r.subs.DropTab(tabID)
			continue
		}

		if err := r.tabs.Send(ctx, tabID, msg); err != nil {
			if errors.Is(err, ErrNoReceiver) {
				r.subs.DropTab(tabID)
				continue
			}
			r.logger.Warn("tab delivery failed", "tab", tabID, "action", msg.Action(), "error", err)
		}
	}
}
