// Package session tracks live chat connections.
//
// The package implements:
//   - Connection, one admitted WebSocket session with its own write lock
//   - Registry, the set of live connections keyed by user id
//
// Core Types:
//
// Connection owns the socket handle for one user. Every write goes through
// Send, which holds the connection's write lock for the duration of a single
// frame, so a direct reply and a broadcast never interleave on the wire.
// Connections are created before the WebSocket upgrade and attached to their
// socket afterwards; writes to a connection that is not attached yet fail with
// ErrNotAttached.
//
// Registry maps a user id to its single live Connection. Register is an
// atomic insert-if-absent, which is the only guard against duplicate sessions.
// Remove and RemoveConnection are idempotent, so an idle sweep and a client
// close may race to remove the same session.
//
// Concurrency:
//
// The registry is safe for concurrent use and never hands out its internal
// map. Snapshot returns a copy that callers may iterate while other goroutines
// register and remove connections.
//
// Usage:
//
//	registry := session.NewRegistry()
//
//	conn := session.NewConnection(user, time.Now())
//	if err := registry.Register(conn); err != nil {
//		// errors.Is(err, session.ErrDuplicateConnection)
//	}
//
//	for _, c := range registry.Snapshot() {
//		_ = c.Send(frame, time.Second)
//	}
package session
