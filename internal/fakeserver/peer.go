package fakeserver

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer. Clients probe
	// with application pings well inside this window.
	readWait = 90 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 2 << 20 // 2MB

	// Send buffer size per peer.
	sendBufferSize = 256
)

// peer is one connected client.
type peer struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	connID    string
	subject   string
	groups    map[string]bool // guarded by hub.mu
	closeCode atomic.Int32
	logger    *zap.Logger
}

func newPeer(s *Server, conn *websocket.Conn, connID, subject string) *peer {
	p := &peer{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		connID:  connID,
		subject: subject,
		groups:  make(map[string]bool),
		logger:  s.logger.With(zap.String("connID", connID)),
	}
	p.closeCode.Store(websocket.CloseGoingAway)
	return p
}

// readPump reads frames until the connection fails, then unregisters.
func (p *peer) readPump() {
	defer func() {
		p.server.hub.unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := wire.Decode(data)
		if err != nil {
			p.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		p.server.handleEnvelope(p, env)
	}
}

// writePump drains the send channel. When the hub closes the channel it
// sends a close frame with the peer's close code.
func (p *peer) writePump() {
	defer p.conn.Close()

	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			p.logger.Debug("websocket write error", zap.Error(err))
			return
		}
	}

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(p.closeCode.Load()), ""))
}
