package ws

import (
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// ErrSendBufferFull reports a client that cannot keep up with its stream.
var ErrSendBufferFull = errors.New("websocket send buffer full")

// Conn wraps a websocket connection with a buffered write pump so frames for
// one client are delivered in enqueue order by a single writer goroutine.
type Conn struct {
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger
	done chan struct{}
	once sync.Once
}

// NewConn constructs a connection wrapper and starts its write pump.
func NewConn(conn *websocket.Conn, buffer int, logger *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Conn{
		conn: conn,
		send: make(chan []byte, buffer),
		log:  logger,
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a frame for delivery. It never blocks: a full buffer means a
// stalled reader and fails the send so the owner can disconnect the client.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping sends a protocol-level ping control frame. WriteControl is safe to use
// concurrently with the write pump.
func (c *Conn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// ReadMessage blocks for the next inbound text frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close terminates the connection and stops the write pump.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if c.log != nil {
					c.log.Warn("websocket send failed", "error", err)
				}
				c.Close()
				return
			}
		}
	}
}
