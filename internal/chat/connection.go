package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/domain"
)

const (
	// writeWait bounds a single outbound websocket write.
	writeWait = 10 * time.Second
	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 64
)

// errConnectionClosed is returned by Send after the connection shut down.
var errConnectionClosed = errors.New("connection closed")

// wire abstracts the websocket operations a Connection needs. *websocket.Conn
// satisfies it.
type wire interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Connection binds one live transport socket to a user identity and role.
// Outbound writes are serialized through a buffered channel so fan-out never
// blocks on a slow client.
type Connection struct {
	ID     string
	UserID string
	Role   domain.Role

	ws   wire
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps an accepted websocket for a joined user.
func NewConnection(userID string, role domain.Role, ws *websocket.Conn) *Connection {
	return newConnection(userID, role, ws)
}

func newConnection(userID string, role domain.Role, ws wire) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Start launches the write loop. Call exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues a payload for delivery. A full buffer means the client cannot
// keep up; the connection is dropped to keep backpressure bounded. The closed
// flag is checked under the lock: a select on c.done would race the buffered
// enqueue case and report success for a payload the write loop will never
// drain.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnectionClosed
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		slog.Warn("Send buffer full, dropping connection", "user_id", c.UserID, "conn_id", c.ID)
		c.Close(websocket.StatusPolicyViolation, "send buffer exceeded")
		return errConnectionClosed
	}
}

// Close terminates the connection and stops the write loop. Safe to call more
// than once.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		if err := c.ws.Close(code, reason); err != nil {
			slog.Debug("Failed to close websocket", "error", err, "user_id", c.UserID)
		}
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", c.UserID)
				c.Close(websocket.StatusNormalClosure, "write failed")
				return
			}
		}
	}
}
