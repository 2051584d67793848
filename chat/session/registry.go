package session

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateConnection = errors.New("user already has an active connection")
	ErrNilConnection       = errors.New("connection is nil")
)

// Registry holds live connections keyed by user id.
type Registry struct {
	conns map[string]*Connection
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Register inserts conn unless its user already has a live connection.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.UserID()]; exists {
		return ErrDuplicateConnection
	}
	r.conns[conn.UserID()] = conn
	return nil
}

// Get returns the live connection for userID.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Contains reports whether userID has a live connection.
func (r *Registry) Contains(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

// Remove deletes the connection for userID and returns it. Removing an
// absent user is a no-op that returns false.
func (r *Registry) Remove(userID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	return conn, ok
}

// RemoveConnection deletes conn only if it is still the registered
// connection for its user.
func (r *Registry) RemoveConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[conn.UserID()]; ok && current == conn {
		delete(r.conns, conn.UserID())
		return true
	}
	return false
}

// Snapshot returns the live connections at this instant.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		result = append(result, conn)
	}
	return result
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
