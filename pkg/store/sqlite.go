package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/averill/finch/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	ui_state   TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL DEFAULT 'idle',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	source     TEXT NOT NULL,
	content    TEXT NOT NULL,
	tool_call  TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS tool_executions (
	run_id      TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	turn_id     TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	inputs      TEXT,
	output      TEXT,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_executions_turn ON tool_executions(session_id, turn_id);

CREATE TABLE IF NOT EXISTS turn_events (
	session_id TEXT NOT NULL,
	turn_id    TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, turn_id, sequence)
);

CREATE TABLE IF NOT EXISTS pending_turns (
	session_id TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// SQLite is the durable session store backed by a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the store at path.
func OpenSQLite(path string) (*SQLite, error) {
	observability.EnsureRegistered()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection to
	// keep the CAS update free of SQLITE_BUSY races.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Session store opened")

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSession creates a new idle session owned by userID.
func (s *SQLite) CreateSession(ctx context.Context, userID string) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		UserID:    userID,
		UIState:   map[string]string{},
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, ui_state, status, created_at, updated_at)
		 VALUES (?, ?, '', '{}', ?, ?, ?)`,
		sess.ID, sess.UserID, string(StatusIdle), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().Str("session_id", sess.ID).Str("user_id", userID).Msg("Session created")
	return sess, nil
}

// GetSession loads a session by id.
func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, ui_state, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var sess Session
	var uiState string
	var status string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &uiState, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(uiState), &sess.UIState); err != nil {
		log.Warn().Str("session_id", id).Err(err).Msg("Corrupt ui_state, resetting")
		sess.UIState = map[string]string{}
	}

	return &sess, nil
}

// CompareAndSwapStatus atomically transitions the session status from
// expected to next. Returns false when the current status is not
// expected; this is the cross-process at-most-one-turn gate.
func (s *SQLite) CompareAndSwapStatus(ctx context.Context, id string, expected, next SessionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC(), id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to swap status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		// Distinguish a lost race from a missing session.
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}

// UpdateUIState replaces the session's free-form UI state.
func (s *SQLite) UpdateUIState(ctx context.Context, id string, state map[string]string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal ui state: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ui_state = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update ui state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetTitle sets the session title.
func (s *SQLite) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage appends a single message outside of turn finalization
// (the user message at turn start, system notices).
func (s *SQLite) AppendMessage(ctx context.Context, msg Message) error {
	return s.insertMessage(ctx, s.db, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLite) insertMessage(ctx context.Context, ex execer, msg Message) error {
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var toolCall interface{}
	if msg.ToolCall != nil {
		data, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return fmt.Errorf("failed to marshal tool call: %w", err)
		}
		toolCall = string(data)
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, source, content, tool_call, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Source, msg.Content, toolCall, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a session in insertion order.
func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, role, source, content, tool_call, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var toolCall sql.NullString
		if err := rows.Scan(&msg.Seq, &msg.SessionID, &msg.Role, &msg.Source, &msg.Content, &toolCall, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCall.Valid && toolCall.String != "" {
			var meta ToolCallMeta
			if err := json.Unmarshal([]byte(toolCall.String), &meta); err == nil {
				msg.ToolCall = &meta
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// FinalizeTurn atomically persists the terminal message and tool
// executions of a turn, returns the session to idle, and clears any
// pending-turn snapshot. No partial commit is ever visible.
func (s *SQLite) FinalizeTurn(ctx context.Context, sessionID string, msg Message, execs []ToolExecution) error {
	start := time.Now()
	defer func() {
		observability.RecordFinalize(time.Since(start))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	for _, exec := range execs {
		if err := insertExecution(ctx, tx, exec); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusIdle), time.Now().UTC(), sessionID,
	); err != nil {
		return fmt.Errorf("failed to reset session status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_turns WHERE session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("failed to clear pending turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("role", msg.Role).
		Int("tool_executions", len(execs)).
		Msg("Turn finalized")

	return nil
}

func insertExecution(ctx context.Context, ex execer, exec ToolExecution) error {
	inputs, err := json.Marshal(exec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	output, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO tool_executions (run_id, session_id, turn_id, tool_name, status, inputs, output, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.SessionID, exec.TurnID, exec.ToolName, string(exec.Status),
		string(inputs), string(output), exec.Error, exec.Duration.Milliseconds(), exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tool execution: %w", err)
	}
	return nil
}

// ListToolExecutions returns the tool executions of one turn in insertion order.
func (s *SQLite) ListToolExecutions(ctx context.Context, sessionID, turnID string) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, turn_id, tool_name, status, inputs, output, error, duration_ms, created_at
		 FROM tool_executions WHERE session_id = ? AND turn_id = ? ORDER BY created_at, run_id`,
		sessionID, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool executions: %w", err)
	}
	defer rows.Close()

	var execs []ToolExecution
	for rows.Next() {
		var exec ToolExecution
		var status, inputs, output string
		var durationMs int64
		if err := rows.Scan(&exec.RunID, &exec.SessionID, &exec.TurnID, &exec.ToolName, &status,
			&inputs, &output, &exec.Error, &durationMs, &exec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		exec.Status = ExecutionStatus(status)
		exec.Duration = time.Duration(durationMs) * time.Millisecond
		_ = json.Unmarshal([]byte(inputs), &exec.Inputs)
		_ = json.Unmarshal([]byte(output), &exec.Output)
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// AppendEvent durably appends one turn event. Events are immutable and
// append-only; a duplicate (session, turn, sequence) insert fails.
func (s *SQLite) AppendEvent(ctx context.Context, rec EventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_events (session_id, turn_id, sequence, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TurnID, rec.Sequence, rec.Type, string(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	observability.RecordEventAppend()
	return nil
}

// EventsAfter returns the events of a turn with sequence greater than
// after, in sequence order.
func (s *SQLite) EventsAfter(ctx context.Context, sessionID, turnID string, after int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_id, sequence, type, payload, created_at
		 FROM turn_events WHERE session_id = ? AND turn_id = ? AND sequence > ?
		 ORDER BY sequence`, sessionID, turnID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		if err := rows.Scan(&rec.SessionID, &rec.TurnID, &rec.Sequence, &rec.Type, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		events = append(events, rec)
	}
	return events, rows.Err()
}

// LatestTurnID returns the turn id of the most recently logged event
// for a session, or empty when the session has no events.
func (s *SQLite) LatestTurnID(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT turn_id FROM turn_events WHERE session_id = ?
		 ORDER BY rowid DESC LIMIT 1`, sessionID)

	var turnID string
	if err := row.Scan(&turnID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to query latest turn: %w", err)
	}
	return turnID, nil
}

// SavePendingTurn writes the suspend-to-storage snapshot for a parked turn.
func (s *SQLite) SavePendingTurn(ctx context.Context, pending PendingTurn) error {
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending turn: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_turns (session_id, snapshot, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET snapshot = excluded.snapshot, created_at = excluded.created_at`,
		pending.SessionID, string(data), pending.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending turn: %w", err)
	}
	return nil
}

// LoadPendingTurn loads the parked-turn snapshot, or nil when none exists.
func (s *SQLite) LoadPendingTurn(ctx context.Context, sessionID string) (*PendingTurn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM pending_turns WHERE session_id = ?`, sessionID)

	var snapshot string
	if err := row.Scan(&snapshot); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load pending turn: %w", err)
	}

	var pending PendingTurn
	if err := json.Unmarshal([]byte(snapshot), &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending turn: %w", err)
	}
	return &pending, nil
}

// ClearPendingTurn removes the parked-turn snapshot.
func (s *SQLite) ClearPendingTurn(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear pending turn: %w", err)
	}
	return nil
}

// RecoverStaleSessions resets sessions left in turn_active by an
// unclean shutdown. Run once at startup, before any turn can begin.
// Parked sessions keep awaiting_approval; their snapshot must
// survive restarts.
func (s *SQLite) RecoverStaleSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusIdle), time.Now().UTC(), string(StatusTurnActive),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeEventsBefore deletes logged events older than cutoff for
// sessions that are idle (completed turns only). Returns rows deleted.
func (s *SQLite) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_events WHERE created_at < ?
		 AND session_id IN (SELECT id FROM sessions WHERE status = ?)`,
		cutoff, string(StatusIdle),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}
