package stream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averill/finch/pkg/store"
	"github.com/averill/finch/pkg/turn"
)

func setupMux(t *testing.T, bufferSize int) (*Multiplexer, *store.SQLite, string) {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "finch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sess, err := s.CreateSession(context.Background(), "user-1")
	require.NoError(t, err)

	return New(s, bufferSize, zerolog.Nop()), s, sess.ID
}

func makeEvent(sessionID, turnID string, seq int64, eventType turn.EventType) turn.Event {
	return turn.Event{
		Type:      eventType,
		Sequence:  seq,
		SessionID: sessionID,
		TurnID:    turnID,
		Content:   "tok",
		Timestamp: time.Now().UnixMilli(),
	}
}

func drain(t *testing.T, c *Consumer, n int) []turn.Event {
	t.Helper()
	out := make([]turn.Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "channel closed after %d events", len(out))
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublish_AppendsBeforeDelivery(t *testing.T) {
	mux, s, sessionID := setupMux(t, 0)
	ctx := context.Background()

	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", 1, turn.EventContentChunk)))

	// No consumer attached; the log still has the event.
	records, err := s.EventsAfter(ctx, sessionID, "turn-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(turn.EventContentChunk), records[0].Type)
}

func TestAttach_LiveDelivery(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	consumer, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)
	defer mux.Detach(sessionID, consumer)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", seq, turn.EventContentChunk)))
	}

	events := drain(t, consumer, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "turn-1", ev.TurnID)
	}
}

func TestAttach_ReplayThenLive_ExactlyOnce(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	// Turn already produced five events before the client attached.
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", seq, turn.EventContentChunk)))
	}

	// Client saw events 1..2 on a previous connection.
	consumer, err := mux.Attach(ctx, sessionID, "turn-1", 2)
	require.NoError(t, err)
	defer mux.Detach(sessionID, consumer)

	// Turn continues after the attach.
	for seq := int64(6); seq <= 7; seq++ {
		require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", seq, turn.EventContentChunk)))
	}

	events := drain(t, consumer, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+3), ev.Sequence, "gapless, duplicate-free sequence")
	}
}

// gatedEventStore pauses after the first replay query so a publish can
// land in the window between replay and live delivery.
type gatedEventStore struct {
	*store.SQLite
	queried  chan struct{}
	release  chan struct{}
	gateOnce sync.Once
}

func (g *gatedEventStore) EventsAfter(ctx context.Context, sessionID, turnID string, after int64) ([]store.EventRecord, error) {
	records, err := g.SQLite.EventsAfter(ctx, sessionID, turnID, after)
	g.gateOnce.Do(func() {
		close(g.queried)
		<-g.release
	})
	return records, err
}

func TestAttach_PublishDuringReplayIsNotLost(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "finch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "user-1")
	require.NoError(t, err)
	sessionID := sess.ID

	gated := &gatedEventStore{
		SQLite:  s,
		queried: make(chan struct{}),
		release: make(chan struct{}),
	}
	mux := New(gated, 0, zerolog.Nop())

	for seq := int64(1); seq <= 2; seq++ {
		require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", seq, turn.EventContentChunk)))
	}

	type attachResult struct {
		consumer *Consumer
		err      error
	}
	attached := make(chan attachResult, 1)
	go func() {
		consumer, err := mux.Attach(ctx, sessionID, "turn-1", 0)
		attached <- attachResult{consumer, err}
	}()

	// The replay query has run; event 3 arrives while the attach is
	// still in flight.
	<-gated.queried
	published := make(chan error, 1)
	go func() {
		published <- mux.Publish(ctx, makeEvent(sessionID, "turn-1", 3, turn.EventContentChunk))
	}()
	close(gated.release)

	res := <-attached
	require.NoError(t, res.err)
	defer mux.Detach(sessionID, res.consumer)
	require.NoError(t, <-published)

	events := drain(t, res.consumer, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "no gap across the replay boundary")
	}
}

func TestAttach_ResolvesLatestTurn(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", 1, turn.EventTurnDone)))
	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-2", 1, turn.EventContentChunk)))

	consumer, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)
	defer mux.Detach(sessionID, consumer)

	events := drain(t, consumer, 1)
	assert.Equal(t, "turn-2", events[0].TurnID)
}

func TestAttach_TakesOverPreviousConsumer(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	first, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)

	second, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)
	defer mux.Detach(sessionID, second)

	select {
	case _, ok := <-first.Events():
		assert.False(t, ok, "first consumer channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("first consumer was not closed on takeover")
	}

	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", 1, turn.EventContentChunk)))
	events := drain(t, second, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestPublish_DropsSlowConsumer(t *testing.T) {
	mux, s, sessionID := setupMux(t, 2)
	ctx := context.Background()

	consumer, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)

	// Nothing reads the channel; the third publish overflows.
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", seq, turn.EventContentChunk)))
	}

	buffered := drain(t, consumer, 2)
	assert.Equal(t, int64(2), buffered[1].Sequence)

	_, ok := <-consumer.Events()
	assert.False(t, ok, "overflowed consumer should be closed")

	// The durable log kept everything the live path dropped.
	records, err := s.EventsAfter(ctx, sessionID, "turn-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Re-attach resumes from where the client left off.
	resumed, err := mux.Attach(ctx, sessionID, "turn-1", 2)
	require.NoError(t, err)
	defer mux.Detach(sessionID, resumed)

	events := drain(t, resumed, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestPublish_NewTurnResetsDedup(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	consumer, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)
	defer mux.Detach(sessionID, consumer)

	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", 1, turn.EventTurnDone)))
	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-2", 1, turn.EventContentChunk)))

	events := drain(t, consumer, 2)
	assert.Equal(t, "turn-1", events[0].TurnID)
	assert.Equal(t, "turn-2", events[1].TurnID)
}

func TestDetach_StaleConsumerIsNoOp(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)
	ctx := context.Background()

	first, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)
	second, err := mux.Attach(ctx, sessionID, "", 0)
	require.NoError(t, err)

	// first was already replaced; detaching it must not touch second.
	mux.Detach(sessionID, first)

	require.NoError(t, mux.Publish(ctx, makeEvent(sessionID, "turn-1", 1, turn.EventContentChunk)))
	events := drain(t, second, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	mux.Detach(sessionID, second)
	_, ok := <-second.Events()
	assert.False(t, ok)
}

func TestClose_DetachesEverything(t *testing.T) {
	mux, _, sessionID := setupMux(t, 0)

	consumer, err := mux.Attach(context.Background(), sessionID, "", 0)
	require.NoError(t, err)

	mux.Close()

	_, ok := <-consumer.Events()
	assert.False(t, ok)
}
