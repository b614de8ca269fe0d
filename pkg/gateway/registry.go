package gateway

import (
	"sort"
	"sync"
	"time"
)

// ClientRegistry tracks open connections by client id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove drops the client and reports whether it was registered.
func (r *ClientRegistry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	return ok
}

// Snapshot returns the open connections, oldest first.
func (r *ClientRegistry) Snapshot() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// Counts returns the number of open connections and how many of them have
// an authenticated session.
func (r *ClientRegistry) Counts() (connected, ready int) {
	for _, client := range r.Snapshot() {
		connected++
		if client.State() == StateReady {
			ready++
		}
	}
	return connected, ready
}

// Describe reports every open connection.
func (r *ClientRegistry) Describe() []ClientInfo {
	now := time.Now()
	clients := r.Snapshot()

	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info(now))
	}
	return infos
}
