package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panelmux/panelmux"
)

// tabQueueSize bounds the per-tab outgoing queue. A panel that stops reading
// its event stream loses messages beyond this depth rather than stalling the
// engine.
const tabQueueSize = 256

// TabHub implements panelmux.TabTransport over per-tab SSE connections.
// Each connected panel holds one channel; Send enqueues to it and Exists
// reports whether the tab currently has a listener.
type TabHub struct {
	mu     sync.Mutex
	conns  map[int]chan panelmux.TabMessage
	logger *slog.Logger
}

var _ panelmux.TabTransport = (*TabHub)(nil)

// NewTabHub creates an empty hub.
func NewTabHub(logger *slog.Logger) *TabHub {
	return &TabHub{conns: make(map[int]chan panelmux.TabMessage), logger: logger}
}

// Attach registers a connection for tabID and returns its message channel.
// A second connection for the same tab replaces the first; the old channel
// is closed so its handler unwinds.
func (h *TabHub) Attach(tabID int) <-chan panelmux.TabMessage {
	ch := make(chan panelmux.TabMessage, tabQueueSize)
	h.mu.Lock()
	if old, ok := h.conns[tabID]; ok {
		close(old)
	}
	h.conns[tabID] = ch
	h.mu.Unlock()
	h.logger.Debug("tab attached", "tab_id", tabID)
	return ch
}

// Detach removes tabID's connection and reports whether ch was still the
// current one. A false return means the connection was already replaced and
// the caller must not treat the tab as closed.
func (h *TabHub) Detach(tabID int, ch <-chan panelmux.TabMessage) bool {
	h.mu.Lock()
	cur, ok := h.conns[tabID]
	current := ok && (<-chan panelmux.TabMessage)(cur) == ch
	if current {
		close(cur)
		delete(h.conns, tabID)
	}
	h.mu.Unlock()
	h.logger.Debug("tab detached", "tab_id", tabID, "current", current)
	return current
}

// Send enqueues msg for tabID. Returns panelmux.ErrNoReceiver when no panel
// is connected; a full queue drops the message and reports an error without
// pruning the tab.
func (h *TabHub) Send(_ context.Context, tabID int, msg panelmux.TabMessage) error {
	h.mu.Lock()
	ch, ok := h.conns[tabID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d: %w", tabID, panelmux.ErrNoReceiver)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("tab %d: queue full", tabID)
	}
}

// Exists reports whether tabID has a connected panel.
func (h *TabHub) Exists(_ context.Context, tabID int) (bool, error) {
	h.mu.Lock()
	_, ok := h.conns[tabID]
	h.mu.Unlock()
	return ok, nil
}
