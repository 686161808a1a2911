// Package transport owns a single websocket link to the sync server.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	maxMessageSize = 2 << 20 // 2MB

	// Send buffer size per link.
	sendBufferSize = 256
)

var generation atomic.Uint64

// Link is one established connection. Every link gets a process-wide
// monotonic generation so callbacks can detect that they belong to a link
// that has since been replaced.
type Link interface {
	Generation() uint64
	ID() string
	CreatedAt() time.Time
	Connected() bool
	Send(env *wire.Envelope) error
	Close() error
}

// Handler receives link events. Callbacks run on the link's read goroutine.
type Handler struct {
	OnMessage func(Link, *wire.Envelope)
	// OnClose is called once when the link dies for any reason other than
	// a local Close. err is ErrServerClosed for a deliberate server close.
	OnClose func(Link, error)
}

// Conn is a Link over gorilla/websocket.
type Conn struct {
	gen     uint64
	id      string
	created time.Time

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	handler Handler
	logger  *zap.Logger

	once   sync.Once
	mu     sync.RWMutex
	closed bool
	local  bool
}

func newConn(ws *websocket.Conn, h Handler, logger *zap.Logger) *Conn {
	c := &Conn{
		gen:     generation.Add(1),
		id:      uuid.NewString(),
		created: time.Now(),
		conn:    ws,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		handler: h,
	}
	c.logger = logger.With(zap.Uint64("generation", c.gen), zap.String("link", c.id))
	return c
}

func (c *Conn) Generation() uint64   { return c.gen }
func (c *Conn) ID() string           { return c.id }
func (c *Conn) CreatedAt() time.Time { return c.created }

// Connected reports whether the link is still usable.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Send queues env for writing. It never blocks.
func (c *Conn) Send(env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return syncerr.ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return syncerr.Connection("send", errors.New("send buffer full"))
	}
}

// Pending returns the number of frames queued but not yet written.
func (c *Conn) Pending() int {
	return len(c.send)
}

// Close tears the link down without reporting it through OnClose.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.local = true
	c.mu.Unlock()

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.finish(nil)
	return nil
}

func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) finish(cause error) {
	first, local := false, false
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		c.closed = true
		local = c.local
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
	})

	if !first || local || c.handler.OnClose == nil {
		return
	}
	c.logger.Debug("link closed", zap.Error(cause))
	c.handler.OnClose(c, cause)
}

// readPump reads frames until the connection fails.
func (c *Conn) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(readError(err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := wire.Decode(message)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		if env.Event == wire.EventDisconnect {
			c.finish(fmt.Errorf("disconnect event: %w", syncerr.ErrServerClosed))
			return
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(c, env)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.finish(syncerr.Connection("write", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish(syncerr.Connection("ping", err))
				return
			}
		}
	}
}

// readError maps a read failure. A normal or policy close from the peer is a
// deliberate server close.
func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
		return fmt.Errorf("%w: %v", syncerr.ErrServerClosed, err)
	}
	return syncerr.Connection("read", err)
}
