package gateway

import (
	"sync"
	"time"
)

// idleAfter is how long a connection may go without a frame before
// system.status reports it idle.
const idleAfter = 5 * time.Minute

// clientSet tracks the gateway's open websocket connections, one entry
// per connection. Session attachment lives on the Client itself.
type clientSet struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newClientSet() *clientSet {
	return &clientSet{clients: make(map[string]*Client)}
}

func (cs *clientSet) add(client *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[client.ID] = client
}

func (cs *clientSet) remove(clientID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.clients, clientID)
}

func (cs *clientSet) count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// all returns every open connection, authenticated or not. Used at
// shutdown to detach and close everything.
func (cs *clientSet) all() []*Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		out = append(out, c)
	}
	return out
}

// authenticated returns the connections eligible for server notices.
func (cs *clientSet) authenticated() []*Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		if c.Authenticated {
			out = append(out, c)
		}
	}
	return out
}

// touch records frame activity for the idle report.
func (cs *clientSet) touch(clientID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

// info snapshots connection state for system.status.
func (cs *clientSet) info() []ClientInfo {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(cs.clients))
	for _, c := range cs.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	return infos
}
