package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
)

// Time allowed to write the close frame to the peer.
const closeWait = time.Second

var (
	ErrNotAttached = errors.New("connection is not attached to a socket")
	ErrClosed      = errors.New("connection is closed")
)

// Socket is the subset of *websocket.Conn a Connection writes through.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one admitted chat session.
type Connection struct {
	id       string
	user     admission.User
	lastSeen atomic.Int64

	writeMu sync.Mutex
	socket  Socket
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// NewConnection creates an unattached connection for user.
func NewConnection(user admission.User, now time.Time) *Connection {
	c := &Connection{
		id:   uuid.NewString(),
		user: user,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() string   { return c.user.UserID }
func (c *Connection) Nickname() string { return c.user.Nickname }

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the time of the last inbound message.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IdleFor returns how long the connection has been silent as of now.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastSeen())
}

// Attach binds the connection to its socket once the upgrade completed.
func (c *Connection) Attach(s Socket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.socket = s
	return nil
}

// Attached reports whether Send can reach a socket.
func (c *Connection) Attached() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket != nil && !c.closed
}

// Send writes one text frame. The write lock is held for the whole frame and
// released on every path.
func (c *Connection) Send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.socket == nil {
		return ErrNotAttached
	}

	if timeout > 0 {
		if err := c.socket.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then releases the socket.
// Only the first call has any effect; later calls return the first result.
func (c *Connection) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		c.closed = true
		if c.socket == nil {
			return
		}

		msg := websocket.FormatCloseMessage(code, reason)
		// The peer may already be gone; the close frame is best effort.
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}
