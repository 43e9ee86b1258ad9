// Package sqlite implements panelmux.AgentStore and
// panelmux.ConversationStore using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/panelmux/panelmux"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DefaultMaxMessages caps how many messages a conversation keeps. Appends
// beyond the cap delete the oldest rows.
const DefaultMaxMessages = 200

// defaultModel is the model given to the bootstrap agent when no override
// is configured.
const defaultModel = "gpt-4o-mini"

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithDefaultModel sets the model of the agent bootstrapped into an empty
// store.
func WithDefaultModel(model string) StoreOption {
	return func(s *Store) {
		if model != "" {
			s.defaultModel = model
		}
	}
}

// WithMaxMessages overrides the per-conversation message cap.
func WithMaxMessages(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// Store persists agents and conversation history in a local SQLite file.
// Message history is append-only and capped: once a conversation exceeds the
// cap the oldest rows are dropped on the next append.
type Store struct {
	db           *sql.DB
	maxMessages  int
	defaultModel string
	logger       *slog.Logger
}

var _ panelmux.AgentStore = (*Store)(nil)
var _ panelmux.ConversationStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, maxMessages: DefaultMaxMessages, defaultModel: defaultModel, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath, "max_messages", s.maxMessages)
	return s
}

// Init creates all required tables and guarantees at least one agent exists.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			system_message TEXT NOT NULL,
			params TEXT NOT NULL,
			stream INTEGER NOT NULL,
			backend TEXT NOT NULL,
			tool_server_url TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq)`,
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	if err := s.ensureDefaultAgent(ctx); err != nil {
		return err
	}
	s.logger.Debug("sqlite: init finished", "elapsed", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ensureDefaultAgent inserts a default agent when the agents table is empty.
func (s *Store) ensureDefaultAgent(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return fmt.Errorf("sqlite: count agents: %w", err)
	}
	if n > 0 {
		return nil
	}
	def := panelmux.AgentConfig{
		ID:        panelmux.NewID(),
		Name:      "Assistant",
		Model:     s.defaultModel,
		Params:    panelmux.GenerationParams{Temperature: panelmux.DefaultTemperature},
		Stream:    true,
		Backend:   panelmux.BackendStandard,
		CreatedAt: panelmux.NowUnix(),
	}
	s.logger.Debug("sqlite: bootstrapping default agent", "agent_id", def.ID)
	return s.SaveAgent(ctx, def)
}

// --- AgentStore ---

// GetAgent returns one agent by id, or panelmux.ErrNoAgent when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (panelmux.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, model, system_message, params,
		stream, backend, tool_server_url, conversation_id, created_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return panelmux.AgentConfig{}, fmt.Errorf("sqlite: agent %q: %w", id, panelmux.ErrNoAgent)
	}
	if err != nil {
		return panelmux.AgentConfig{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]panelmux.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, model, system_message, params,
		stream, backend, tool_server_url, conversation_id, created_at
		FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()
	var out []panelmux.AgentConfig
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list agents: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	s.logger.Debug("sqlite: agents listed", "count", len(out))
	return out, nil
}

// SaveAgent inserts or replaces an agent.
func (s *Store) SaveAgent(ctx context.Context, a panelmux.AgentConfig) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("sqlite: marshal params: %w", err)
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = panelmux.NowUnix()
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO agents
		(id, name, model, system_message, params, stream, backend, tool_server_url, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Model, a.SystemMessage, string(params),
		boolToInt(a.Stream), string(a.Backend), a.ToolServerURL, a.ConversationID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: save agent: %w", err)
	}
	s.logger.Debug("sqlite: agent saved", "agent_id", a.ID, "model", a.Model)
	return nil
}

// DeleteAgent removes an agent. Deleting the last agent recreates a default
// so that at least one agent always exists.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete agent: %w", err)
	}
	s.logger.Debug("sqlite: agent deleted", "agent_id", id)
	return s.ensureDefaultAgent(ctx)
}

// SetConversation points an agent at its current conversation, creating the
// conversation row when it does not exist yet.
func (s *Store) SetConversation(ctx context.Context, agentID, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE agents SET conversation_id = ? WHERE id = ?`,
		conversationID, agentID)
	if err != nil {
		return fmt.Errorf("sqlite: set conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: agent %q: %w", agentID, panelmux.ErrNoAgent)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversations (id, agent_id, created_at)
		VALUES (?, ?, ?)`, conversationID, agentID, panelmux.NowUnix())
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger.Debug("sqlite: conversation set", "agent_id", agentID, "conversation_id", conversationID)
	return nil
}

// --- ConversationStore ---

// Messages returns a conversation's history ordered by sequence number.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]panelmux.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content,
		tool_calls, tool_call_id, seq, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	defer rows.Close()
	var out []panelmux.Message
	for rows.Next() {
		var m panelmux.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&toolCalls, &m.ToolCallID, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	s.logger.Debug("sqlite: messages loaded", "conversation_id", conversationID, "count", len(out))
	return out, nil
}

// AppendTurn stores one user/assistant exchange atomically, assigning
// consecutive sequence numbers, then prunes rows beyond the cap.
func (s *Store) AppendTurn(ctx context.Context, turn panelmux.Turn) error {
	if turn.ConversationID == "" {
		return fmt.Errorf("sqlite: append turn: %w", panelmux.ErrNoConversation)
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversations (id, agent_id, created_at)
		VALUES (?, ?, ?)`, turn.ConversationID, turn.AgentID, panelmux.NowUnix())
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages
		WHERE conversation_id = ?`, turn.ConversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("sqlite: max seq: %w", err)
	}

	now := panelmux.NowUnix()
	insert := `INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, seq, created_at)
		VALUES (?, ?, ?, ?, NULL, '', ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		panelmux.NewID(), turn.ConversationID, "user", turn.UserText, seq+1, now); err != nil {
		return fmt.Errorf("sqlite: insert user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert,
		panelmux.NewID(), turn.ConversationID, "assistant", turn.AssistantText, seq+2, now); err != nil {
		return fmt.Errorf("sqlite: insert assistant message: %w", err)
	}

	// Cap the history: drop the oldest rows once the conversation exceeds
	// the configured maximum.
	_, err = tx.ExecContext(ctx, `DELETE FROM messages
		WHERE conversation_id = ? AND seq <= (
			SELECT MAX(seq) FROM messages WHERE conversation_id = ?
		) - ?`, turn.ConversationID, turn.ConversationID, s.maxMessages)
	if err != nil {
		return fmt.Errorf("sqlite: prune messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger.Debug("sqlite: turn appended",
		"conversation_id", turn.ConversationID, "seq", seq+2, "elapsed", time.Since(start))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (panelmux.AgentConfig, error) {
	var a panelmux.AgentConfig
	var params, backend string
	var stream int
	err := row.Scan(&a.ID, &a.Name, &a.Model, &a.SystemMessage, &params,
		&stream, &backend, &a.ToolServerURL, &a.ConversationID, &a.CreatedAt)
	if err != nil {
		return panelmux.AgentConfig{}, err
	}
	if err := json.Unmarshal([]byte(params), &a.Params); err != nil {
		return panelmux.AgentConfig{}, fmt.Errorf("unmarshal params: %w", err)
	}
	a.Stream = stream != 0
	a.Backend = panelmux.BackendKind(backend)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
