// Package chat implements the real-time conversation core: connection
// tracking, conversation-scoped routing, the message gate, typing presence,
// and history replay.
package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the live connections of every user. A user may hold several
// connections at once (multiple tabs); presence is "at least one connection".
// All operations are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Connection // userID -> connID -> connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]*Connection),
	}
}

// Register adds a connection to its user's connection set.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.UserID]; !exists {
		r.conns[c.UserID] = make(map[string]*Connection)
	}
	r.conns[c.UserID][c.ID] = c
	slog.Info("Connection registered", "user_id", c.UserID, "conn_id", c.ID, "role", c.Role)
}

// Unregister removes a connection. Returns true if it was the user's last
// connection, i.e. the user just went offline.
func (r *Registry) Unregister(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[c.UserID]
	if !ok {
		return false
	}
	if _, exists := set[c.ID]; !exists {
		return false
	}
	delete(set, c.ID)
	slog.Info("Connection unregistered", "user_id", c.UserID, "conn_id", c.ID)
	if len(set) == 0 {
		delete(r.conns, c.UserID)
		return true
	}
	return false
}

// Connections returns the user's live connections. Empty means offline, which
// is not an error.
func (r *Registry) Connections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// BroadcastToAdmins delivers a payload to every connection with the admin
// role. Returns how many connections were reached.
func (r *Registry) BroadcastToAdmins(payload []byte) int {
	r.mu.RLock()
	admins := make([]*Connection, 0)
	for _, set := range r.conns {
		for _, c := range set {
			if c.Role.IsAdmin() {
				admins = append(admins, c)
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range admins {
		if err := c.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// OnlineUsers returns how many distinct users are online.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// CloseAll terminates every live connection. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []*Connection
	for _, set := range r.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.conns = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, c := range all {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
