package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSet_TracksConnections(t *testing.T) {
	cs := newClientSet()

	active := &Client{ID: "a", Authenticated: true, LastActivity: time.Now()}
	stale := &Client{ID: "b", LastActivity: time.Now().Add(-2 * idleAfter)}
	cs.add(active)
	cs.add(stale)

	assert.Equal(t, 2, cs.count())
	assert.Len(t, cs.all(), 2)

	auth := cs.authenticated()
	require.Len(t, auth, 1)
	assert.Equal(t, "a", auth[0].ID)

	cs.remove("a")
	assert.Equal(t, 1, cs.count())
}

func TestClientSet_InfoReportsIdle(t *testing.T) {
	cs := newClientSet()
	cs.add(&Client{ID: "a", Authenticated: true, LastActivity: time.Now()})
	cs.add(&Client{ID: "b", LastActivity: time.Now().Add(-2 * idleAfter)})

	byID := make(map[string]ClientInfo)
	for _, info := range cs.info() {
		byID[info.ID] = info
	}
	assert.False(t, byID["a"].Idle)
	assert.True(t, byID["b"].Idle)

	// A frame from the stale connection clears its idle flag.
	cs.touch("b")
	for _, info := range cs.info() {
		if info.ID == "b" {
			assert.False(t, info.Idle)
		}
	}
}
