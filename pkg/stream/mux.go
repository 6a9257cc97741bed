// Package stream fans turn events out to attached consumers. Every
// event is appended to the durable per-turn log before any live
// delivery, so the log is the source of truth and a consumer can always
// rebuild a turn from it. Live delivery is best effort: a consumer that
// cannot keep up is dropped, never the event.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/averill/finch/internal/observability"
	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/turn"
)

// DefaultBufferSize is the per-consumer channel capacity.
const DefaultBufferSize = 256

// EventStore is the slice of the session store the multiplexer uses.
type EventStore interface {
	AppendEvent(ctx context.Context, rec store.EventRecord) error
	EventsAfter(ctx context.Context, sessionID, turnID string, after int64) ([]store.EventRecord, error)
	LatestTurnID(ctx context.Context, sessionID string) (string, error)
}

// Consumer is one attached event receiver. Its channel closes when the
// consumer is detached, taken over by a newer Attach, or dropped for
// falling behind.
type Consumer struct {
	sessionID string
	ch        chan turn.Event
	closeOnce sync.Once

	// guarded by the multiplexer mutex
	turnID  string
	lastSeq int64
}

// Events returns the consumer's delivery channel.
func (c *Consumer) Events() <-chan turn.Event {
	return c.ch
}

func (c *Consumer) close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

// Multiplexer routes events from the turn machine to at most one live
// consumer per session.
type Multiplexer struct {
	store      EventStore
	logger     zerolog.Logger
	bufferSize int

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// New creates a multiplexer over the given event store.
func New(eventStore EventStore, bufferSize int, logger zerolog.Logger) *Multiplexer {
	observability.EnsureRegistered()
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Multiplexer{
		store:      eventStore,
		logger:     logger,
		bufferSize: bufferSize,
		consumers:  make(map[string]*Consumer),
	}
}

// Publish implements turn.Publisher. The append happens before any live
// push; an append failure propagates to the machine so the turn fails
// rather than emitting an event the log never saw.
func (m *Multiplexer) Publish(ctx context.Context, ev turn.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := m.store.AppendEvent(ctx, store.EventRecord{
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Sequence:  ev.Sequence,
		Type:      string(ev.Type),
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	consumer, ok := m.consumers[ev.SessionID]
	if !ok {
		return nil
	}

	// A new turn resets the dedup window.
	if consumer.turnID != ev.TurnID {
		consumer.turnID = ev.TurnID
		consumer.lastSeq = 0
	}
	if ev.Sequence <= consumer.lastSeq {
		return nil
	}

	select {
	case consumer.ch <- ev:
		consumer.lastSeq = ev.Sequence
	default:
		// Slow consumer. The log already has the event; drop the live
		// path and let the client re-attach with from_sequence.
		m.logger.Warn().
			Str("session_id", ev.SessionID).
			Str("turn_id", ev.TurnID).
			Int64("sequence", ev.Sequence).
			Msg("Dropping slow consumer")
		observability.RecordStreamDropped()
		consumer.close()
		delete(m.consumers, ev.SessionID)
		observability.SetAttachedConsumers(len(m.consumers))
	}

	return nil
}

// AttachLive registers a consumer for live delivery only, with no
// replay. Used when the client is about to start a new turn and has
// nothing to catch up on.
func (m *Multiplexer) AttachLive(_ context.Context, sessionID string) (*Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.consumers[sessionID]; ok {
		prev.close()
		delete(m.consumers, sessionID)
	}

	consumer := &Consumer{
		sessionID: sessionID,
		ch:        make(chan turn.Event, m.bufferSize),
	}
	m.consumers[sessionID] = consumer
	observability.SetAttachedConsumers(len(m.consumers))

	return consumer, nil
}

// Attach registers the session's live consumer, replacing any previous
// one. Events of turnID after fromSeq are replayed from the log before
// live delivery begins; replay and registration happen under one lock,
// so no event is missed or delivered twice across the boundary. An
// empty turnID means the session's most recent turn; fromSeq 0 replays
// the whole turn.
func (m *Multiplexer) Attach(ctx context.Context, sessionID, turnID string, fromSeq int64) (*Consumer, error) {
	if turnID == "" {
		latest, err := m.store.LatestTurnID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest turn: %w", err)
		}
		turnID = latest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The replay query must run under the same lock as registration.
	// Publish holds this lock for its live push, so an event appended
	// after the query is delivered live to the registered consumer
	// instead of falling between replay and registration.
	var records []store.EventRecord
	if turnID != "" {
		var err error
		records, err = m.store.EventsAfter(ctx, sessionID, turnID, fromSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to replay events: %w", err)
		}
	}

	if prev, ok := m.consumers[sessionID]; ok {
		m.logger.Debug().Str("session_id", sessionID).Msg("Taking over existing consumer")
		prev.close()
		delete(m.consumers, sessionID)
	}

	capacity := m.bufferSize
	if len(records) >= capacity {
		capacity = len(records) + m.bufferSize
	}
	consumer := &Consumer{
		sessionID: sessionID,
		ch:        make(chan turn.Event, capacity),
		turnID:    turnID,
		lastSeq:   fromSeq,
	}

	for _, rec := range records {
		var ev turn.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			m.logger.Error().
				Err(err).
				Str("session_id", sessionID).
				Int64("sequence", rec.Sequence).
				Msg("Skipping undecodable logged event")
			continue
		}
		consumer.ch <- ev
		consumer.lastSeq = rec.Sequence
	}
	if len(records) > 0 {
		observability.RecordEventReplay(len(records))
	}

	m.consumers[sessionID] = consumer
	observability.SetAttachedConsumers(len(m.consumers))

	m.logger.Debug().
		Str("session_id", sessionID).
		Str("turn_id", turnID).
		Int64("from_sequence", fromSeq).
		Int("replayed", len(records)).
		Msg("Consumer attached")

	return consumer, nil
}

// Detach removes and closes the consumer if it is still the session's
// current one. Detaching an already replaced consumer is a no-op.
func (m *Multiplexer) Detach(sessionID string, consumer *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.consumers[sessionID]
	if !ok || current != consumer {
		return
	}
	current.close()
	delete(m.consumers, sessionID)
	observability.SetAttachedConsumers(len(m.consumers))
}

// Close detaches every consumer. Used during shutdown.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, consumer := range m.consumers {
		consumer.close()
		delete(m.consumers, id)
	}
	observability.SetAttachedConsumers(0)
}
