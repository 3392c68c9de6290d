package hub

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// sendQueueSize bounds the per-client outbound queue. A client that cannot
// drain broadcasts fast enough is disconnected rather than allowed to stall
// the hub.
const sendQueueSize = 256

// client is one connected websocket peer. The hub only touches it through
// enqueue and close; the write loop is the sole writer on the connection.
type client struct {
	id   string
	conn *websocket.Conn

	send chan []byte

	mu            sync.Mutex
	authenticated bool
	cols, rows    int

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Returns false when the queue is full
// or the client is closed; the caller disconnects on overflow.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(code, reason)
	})
}

// writeLoop drains the send queue onto the wire. Exits when the client is
// closed or a write fails.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *client) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// viewport returns the last dimensions this client declared; (0,0) before
// the first resize_terminal.
func (c *client) viewport() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *client) setViewport(cols, rows int) {
	c.mu.Lock()
	c.cols = cols
	c.rows = rows
	c.mu.Unlock()
}
