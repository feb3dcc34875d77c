package websocket

import (
	"sync"

	"chatme/pkg/interfaces"
)

// Registry tracks every open transport by session id. It outlives broker
// hibernation, so it is what the broker enumerates on recovery.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.SessionID() == "" {
		return ErrMissingSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.SessionID()] = conn
	return nil
}

// Unregister removes conn only if it is still the registered handle for its
// session id. It is idempotent.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.connections[conn.SessionID()]; ok && current == conn {
		delete(r.connections, conn.SessionID())
	}
}

func (r *Registry) Get(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[sessionID]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// LiveConnections returns a snapshot of the open handles.
func (r *Registry) LiveConnections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll sends a close frame to every open handle. Used at shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	for _, conn := range r.LiveConnections() {
		_ = conn.CloseWithStatus(code, reason)
	}
}
