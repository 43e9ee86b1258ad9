package panelmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

const (
	// DefaultBufferCap bounds the accumulated content of one stream session.
	// Oldest content is trimmed past the cap, stopping at a word boundary.
	DefaultBufferCap = 512 * 1024

	// streamReadSize is the read buffer for pulling chunks off the body.
	streamReadSize = 32 * 1024

	// broadcastQueueSize bounds the per-session delivery queue. The decode
	// loop only blocks once this many messages are waiting on delivery.
	broadcastQueueSize = 256
)

// streamSession is the live state of one in-flight streaming response for
// one agent. Owned exclusively by the Registry.
type streamSession struct {
	agentID string
	body    io.ReadCloser
	dec     *ChunkDecoder
	subs    map[int]bool

	// emitMu spans accumulator updates together with their enqueue, so the
	// queue order always matches the accumulator state: a catch-up snapshot
	// that contains delta D is enqueued after D's own broadcast.
	emitMu    sync.Mutex
	acc       []byte
	trimmed   bool
	sentFirst bool

	// out carries messages to the forwarder goroutine in FIFO order, so
	// slow tabs never block the decode loop directly. sendMu serializes
	// producers against closing; the forwarder never takes it.
	out    chan targetedMessage
	done   chan struct{}
	sendMu sync.Mutex
	closed bool
}

// enqueue pushes onto the session queue, dropping the message if the queue
// is already closed (session torn down).
func (s *streamSession) enqueue(tm targetedMessage) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.out <- tm
}

// closeQueue marks the queue closed so late producers drop instead of
// panicking on a closed channel.
func (s *streamSession) closeQueue() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// targetedMessage is one queued delivery: to every subscriber tab of the
// agent, or to a single tab (late-joiner catch-up).
type targetedMessage struct {
	tabID int // < 0 means all subscriber tabs of the agent
	msg   TabMessage
}

// Registry owns stream sessions, at most one live session per agent.
// Starting a new stream for an agent cancels the previous one; this is the
// core invariant, enforced by Register's cancel-before-replace step.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*streamSession

	router    *Router
	view      SubscriberView
	bufferCap int
	logger    *slog.Logger
	tracer    Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBufferCap overrides DefaultBufferCap.
func WithBufferCap(n int) RegistryOption {
	return func(r *Registry) { r.bufferCap = n }
}

// WithRegistryLogger sets a structured logger for session lifecycle events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryTracer enables span creation for stream sessions.
func WithRegistryTracer(t Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// WithSubscriberView lets Register seed a new session's subscriber set from
// the tabs already subscribed to the agent, so the set mirrors the tracker
// from the session's first delta onward.
func WithSubscriberView(v SubscriberView) RegistryOption {
	return func(r *Registry) { r.view = v }
}

// NewRegistry creates a Registry broadcasting through router.
func NewRegistry(router *Router, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:  make(map[string]*streamSession),
		router:    router,
		bufferCap: DefaultBufferCap,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs a new stream session for agentID, cancelling and
// discarding any existing one first (best-effort; a failed cancel is logged,
// not fatal). The given tab becomes the session's first subscriber.
func (r *Registry) Register(ctx context.Context, agentID string, body io.ReadCloser, tabID int) {
	// Tabs that joined the agent before the stream started watch it too;
	// the subscriber set mirrors the tracker from the first delta onward.
	subs := map[int]bool{tabID: true}
	if r.view != nil {
		for _, id := range r.view.TabsForAgent(agentID) {
			subs[id] = true
		}
	}

	r.mu.Lock()
	old := r.sessions[agentID]
	s := &streamSession{
		agentID: agentID,
		body:    body,
		dec:     &ChunkDecoder{},
		subs:    subs,
		out:     make(chan targetedMessage, broadcastQueueSize),
		done:    make(chan struct{}),
	}
	r.sessions[agentID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("superseding stream", "agent", agentID)
		bestEffort(r.logger, "cancel superseded stream", old.body.Close)
	}

	go r.forward(ctx, s)
}

// forward drains the session's queue, delivering each message in order.
func (r *Registry) forward(ctx context.Context, s *streamSession) {
	defer close(s.done)
	for tm := range s.out {
		if tm.tabID < 0 {
			r.router.ToAgentTabs(ctx, s.agentID, tm.msg)
		} else if err := r.router.ToTab(ctx, tm.tabID, tm.msg); err != nil {
			r.logger.Debug("catch-up delivery failed", "tab", tm.tabID, "error", err)
		}
	}
}

// Process pulls chunks from the session body until the stream ends, feeding
// each through the ChunkDecoder, accumulating content (capped), and
// broadcasting every delta as it is decoded. It returns the accumulated
// content.
//
// A read error that is a cancellation or transport-level abort ends the loop
// cleanly. Any other read error is broadcast as a SHOW_ERROR and returned.
// In every case the registry broadcasts HIDE_LOADING and removes the session
// before returning.
func (r *Registry) Process(ctx context.Context, agentID string) (string, error) {
	r.mu.Lock()
	s := r.sessions[agentID]
	r.mu.Unlock()
	if s == nil {
		return "", errors.New("no stream session for agent " + agentID)
	}

	var span Span
	if r.tracer != nil {
		_, span = r.tracer.Start(ctx, "stream.session", StringAttr("agent", agentID))
	}

	var streamErr error
	deltaCount := 0

	buf := make([]byte, streamReadSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			for _, delta := range s.dec.Feed(buf[:n]) {
				r.emitDelta(s, delta)
				deltaCount++
			}
		}
		if err == io.EOF {
			for _, delta := range s.dec.Flush() {
				r.emitDelta(s, delta)
				deltaCount++
			}
			break
		}
		if err != nil {
			if isAbortError(err) {
				r.logger.Debug("stream aborted", "agent", agentID, "error", err)
				break
			}
			streamErr = err
			s.enqueue(targetedMessage{tabID: -1, msg: ShowError{AgentID: agentID, Message: "stream error: " + err.Error()}})
			break
		}
		// Re-check that this session was not superseded while blocked in
		// Read. The superseding Register closed our body, but a chunk that
		// raced the close must not be broadcast as if still current.
		r.mu.Lock()
		current := r.sessions[agentID] == s
		r.mu.Unlock()
		if !current {
			break
		}
	}

	// Completion, success or error: hide loading, drain, remove.
	s.enqueue(targetedMessage{tabID: -1, msg: HideLoading{AgentID: agentID}})
	s.closeQueue()
	<-s.done

	r.mu.Lock()
	if r.sessions[agentID] == s {
		delete(r.sessions, agentID)
	}
	r.mu.Unlock()

	s.emitMu.Lock()
	content := string(s.acc)
	s.emitMu.Unlock()

	bestEffort(r.logger, "close stream body", s.body.Close)

	if span != nil {
		span.SetAttr(IntAttr("deltas", deltaCount), IntAttr("content_bytes", len(content)))
		if streamErr != nil {
			span.Error(streamErr)
		}
		span.End()
	}
	return content, streamErr
}

// emitDelta appends one decoded delta to the capped accumulator and queues
// its broadcast. The first delta of a session is flagged so panels reset
// their display before appending. Append and enqueue happen under emitMu as
// one step, so a concurrent Subscribe cannot enqueue a catch-up snapshot
// containing this delta ahead of the delta's own broadcast.
func (r *Registry) emitDelta(s *streamSession, delta string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.acc = append(s.acc, delta...)
	if len(s.acc) > r.bufferCap {
		s.acc = trimToWordBoundary(s.acc, r.bufferCap)
		s.trimmed = true
	}
	first := !s.sentFirst
	s.sentFirst = true

	s.enqueue(targetedMessage{
		tabID: -1,
		msg:   StreamContent{AgentID: s.agentID, Content: delta, IsFirst: first},
	})
}

// Cancel tears down the live session for agentID, if any. Returns whether a
// session was cancelled. The Process loop observes the closed body and
// finishes its own cleanup.
func (r *Registry) Cancel(agentID string) bool {
	r.mu.Lock()
	s := r.sessions[agentID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	bestEffort(r.logger, "cancel stream", s.body.Close)
	return true
}

// Subscribe adds a tab to an agent's live session mid-flight. The content
// accumulated so far is sent to that tab as a synthetic first delta, so a
// late joiner does not show a blank panel until the next live delta.
func (r *Registry) Subscribe(agentID string, tabID int) {
	r.mu.Lock()
	s := r.sessions[agentID]
	if s != nil {
		s.subs[tabID] = true
	}
	r.mu.Unlock()
	if s == nil {
		return
	}

	// Snapshot and enqueue under emitMu: every delta already in the
	// snapshot has its broadcast queued ahead of this catch-up.
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if len(s.acc) > 0 {
		s.enqueue(targetedMessage{
			tabID: tabID,
			msg:   StreamContent{AgentID: agentID, Content: string(s.acc), IsFirst: true},
		})
	}
}

// Unsubscribe removes a tab from every session's subscriber set.
func (r *Registry) Unsubscribe(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		delete(s.subs, tabID)
	}
}

// Snapshot returns the accumulated content of an agent's live session.
func (r *Registry) Snapshot(agentID string) (string, bool) {
	r.mu.Lock()
	s := r.sessions[agentID]
	r.mu.Unlock()
	if s == nil {
		return "", false
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return string(s.acc), true
}

// SweepOrphans cancels sessions whose subscriber set has emptied out. No
// tab is watching, so the background work would otherwise leak until the
// stream naturally ended. The engine runs this on a ticker.
func (r *Registry) SweepOrphans() int {
	r.mu.Lock()
	var orphans []*streamSession
	for _, s := range r.sessions {
		if len(s.subs) == 0 {
			orphans = append(orphans, s)
		}
	}
	r.mu.Unlock()

	for _, s := range orphans {
		r.logger.Info("cancelling orphan stream", "agent", s.agentID)
		bestEffort(r.logger, "cancel orphan stream", s.body.Close)
	}
	return len(orphans)
}

// trimToWordBoundary drops the oldest bytes of b down to at most max,
// advancing past the next space so the retained tail does not start
// mid-word. Starting after a space is also always a UTF-8 rune boundary.
func trimToWordBoundary(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	start := len(b) - max
	if i := bytes.IndexByte(b[start:], ' '); i >= 0 {
		start += i + 1
	}
	out := make([]byte, len(b)-start)
	copy(out, b[start:])
	return out
}

// isAbortError reports whether a stream read failed because the stream was
// deliberately torn down (superseded, cancelled, connection closed) rather
// than because of a genuine transport failure.
func isAbortError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "read on closed response body") ||
		strings.Contains(msg, "request canceled")
}
