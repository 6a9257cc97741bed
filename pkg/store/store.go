// Package store persists sessions, messages, tool executions, and the
// per-turn event log. It is the durability boundary for pause/resume:
// everything a turn needs to continue after a process restart lives here.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus is the turn-gating state of a session.
type SessionStatus string

const (
	StatusIdle             SessionStatus = "idle"
	StatusTurnActive       SessionStatus = "turn_active"
	StatusAwaitingApproval SessionStatus = "awaiting_approval"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is a persistent conversation thread.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	UIState   map[string]string `json:"ui_state"`
	Status    SessionStatus     `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ToolCallMeta records the tool invocation that produced a message, if any.
type ToolCallMeta struct {
	Name   string                 `json:"name"`
	RunID  string                 `json:"run_id"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// Message is one conversation entry. Seq is assigned by the store on
// insert and orders messages within a session; wall-clock timestamps
// are informational only.
type Message struct {
	Seq       int64         `json:"seq"`
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`   // user, assistant, system
	Source    string        `json:"source"` // model, tool, human
	Content   string        `json:"content"`
	ToolCall  *ToolCallMeta `json:"tool_call,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExecutionStatus is the terminal state of a tool run.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ToolExecution records one tool invocation within a turn.
type ToolExecution struct {
	RunID     string                 `json:"run_id"`
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id"`
	ToolName  string                 `json:"tool_name"`
	Status    ExecutionStatus        `json:"status"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	CreatedAt time.Time              `json:"created_at"`
}

// EventRecord is a durably logged turn event. Sequence is scoped to the
// turn and strictly increasing; the record is immutable once written.
type EventRecord struct {
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PlannedCall is one not-yet-executed tool invocation carried by a
// parked turn.
type PlannedCall struct {
	Tool   string                 `json:"tool"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// PendingTurn is the suspend-to-storage snapshot written when a turn
// parks in awaiting_approval. It carries everything ResumeTurn needs,
// so the process may exit between the pause and the resume.
type PendingTurn struct {
	SessionID   string          `json:"session_id"`
	TurnID      string          `json:"turn_id"`
	UserMessage string          `json:"user_message"`
	Confidence  float64         `json:"confidence"`
	ErrorCount  int             `json:"error_count"`
	NextSeq     int64           `json:"next_seq"`
	Plan        []PlannedCall   `json:"plan,omitempty"`
	Executions  []ToolExecution `json:"executions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
