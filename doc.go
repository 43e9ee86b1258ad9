// Package panelmux is the background engine for a page-chat companion: it
// sends completion requests for configured agents, decodes the streaming
// response, and fans each content delta out to every browser tab whose panel
// is displaying that agent.
//
// The core pieces are:
//
//   - ChunkDecoder: turns raw byte chunks of a streaming completion body
//     into content deltas, tolerating lines and UTF-8 sequences split
//     across chunk boundaries.
//   - Registry: at most one live stream session per agent; accumulates
//     content (capped) and replays the accumulated snapshot to tabs that
//     join mid-stream.
//   - Router: delivers messages to subscriber tabs, pruning tabs whose
//     panel is gone.
//   - Tracker: maps tabs to the agent/conversation they display; updated
//     on join, leave, navigation, and tab close.
//   - ToolLoop: for tool-capable agents, alternates completion calls with
//     tool executions until a plain-text answer or an iteration cap.
//
// Engine ties these together and dispatches the panel request vocabulary
// (JoinPanel, SendChat, AnalyzePage, ...). Transports, stores, and
// completion backends are injected through small interfaces; see
// client/openaicompat, toolrpc, store/sqlite, and cmd/panelmux for the
// concrete implementations.
package panelmux
