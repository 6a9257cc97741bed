// Package turn drives one user message through classification, tool
// dispatch, the confidence gate, optional human approval, and streamed
// synthesis. The machine is the sole writer of event sequence numbers;
// emission order is the authoritative order of a turn.
package turn

import (
	"time"
)

// EventType discriminates turn events on the wire and in the log.
type EventType string

const (
	EventContentChunk   EventType = "content_chunk"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventToolError      EventType = "tool_error"
	EventTitleGenerated EventType = "title_generated"
	EventTurnDone       EventType = "turn_done"
	EventTurnError      EventType = "turn_error"
)

// Terminal reports whether the event ends its turn.
func (t EventType) Terminal() bool {
	return t == EventTurnDone || t == EventTurnError
}

// ToolEventPayload carries tool lifecycle details.
type ToolEventPayload struct {
	Name       string                 `json:"name"`
	RunID      string                 `json:"run_id"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// Event is the atomic unit flowing from the machine to the multiplexer.
// Sequence is scoped to the turn and strictly increasing.
type Event struct {
	Type      EventType         `json:"type"`
	Sequence  int64             `json:"sequence"`
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id"`
	Content   string            `json:"content,omitempty"`
	Tool      *ToolEventPayload `json:"tool,omitempty"`
	Title     string            `json:"title,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// emitter assigns sequence numbers. It is confined to the goroutine
// running the turn; serialization happens by construction.
type emitter struct {
	sessionID string
	turnID    string
	seq       int64
}

func (e *emitter) next(eventType EventType) Event {
	e.seq++
	return Event{
		Type:      eventType,
		Sequence:  e.seq,
		SessionID: e.sessionID,
		TurnID:    e.turnID,
		Timestamp: time.Now().UnixMilli(),
	}
}
