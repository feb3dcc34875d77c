package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionOptions tunes a Connection's write path.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// outbound is one queued frame. A non-zero closeCode makes it a close frame.
type outbound struct {
	data      []byte
	closeCode int
	reason    string
}

// Connection wraps a gorilla connection with a single writer goroutine and
// the session id attached at accept time. It implements
// interfaces.Connection.
type Connection struct {
	conn      *websocket.Conn
	sessionID string
	opts      ConnectionOptions

	writeCh chan outbound
	ctx     context.Context
	cancel  context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewConnection starts the writer for conn. sessionID never changes.
func NewConnection(conn *websocket.Conn, sessionID string, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		sessionID: sessionID,
		opts:      opts,
		writeCh:   make(chan outbound, opts.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) SessionID() string {
	return c.sessionID
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// writeLoop is the only goroutine that writes data frames. It exits on the
// first write error or after sending a close frame.
func (c *Connection) writeLoop() {
	for {
		select {
		case msg := <-c.writeCh:
			deadline := time.Now().Add(c.opts.WriteTimeout)

			if msg.closeCode != 0 {
				payload := websocket.FormatCloseMessage(msg.closeCode, msg.reason)
				if err := c.conn.WriteControl(websocket.CloseMessage, payload, deadline); err != nil {
					log.Debug().Err(err).Str("session_id", c.sessionID).Msg("Close frame not delivered")
				}
				_ = c.Close()
				return
			}

			if err := c.conn.SetWriteDeadline(deadline); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				log.Debug().Err(err).Str("session_id", c.sessionID).Msg("Write failed, closing connection")
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v as a text frame. It fails once a close has been
// requested or when the send buffer is full.
func (c *Connection) WriteJSON(v interface{}) error {
	if c.closing.Load() {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	return c.enqueue(outbound{data: data})
}

// CloseWithStatus queues a close frame behind any pending writes. The
// connection is released once the frame is sent.
func (c *Connection) CloseWithStatus(code int, reason string) error {
	if c.closing.Swap(true) {
		return ErrConnectionClosed
	}
	if err := c.enqueue(outbound{closeCode: code, reason: reason}); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// enqueue never blocks: the broker sends while holding its lock. A full
// queue means the peer stopped reading, so the connection is closed and the
// read pump runs the normal disconnect path.
func (c *Connection) enqueue(msg outbound) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- msg:
		return nil
	default:
		log.Warn().Str("session_id", c.sessionID).Int("buffer", cap(c.writeCh)).Msg("Send buffer full, closing slow connection")
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Close releases the connection immediately, dropping queued frames.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
