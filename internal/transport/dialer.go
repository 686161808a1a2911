package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// DefaultHandshakeTimeout bounds the dial plus the wait for "connected".
const DefaultHandshakeTimeout = 15 * time.Second

// Dialer opens authenticated links to one endpoint.
type Dialer struct {
	url              string
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewDialer creates a Dialer for the websocket URL.
func NewDialer(url string, handshakeTimeout time.Duration, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Dialer{url: url, handshakeTimeout: handshakeTimeout, logger: logger}
}

// URL returns the endpoint the dialer connects to.
func (d *Dialer) URL() string { return d.url }

// Dial connects, presents token as a bearer credential and waits for the
// server to accept it. Rejections surface as CredentialError, a deliberate
// close as ErrServerClosed, anything else as ConnectionError.
func (d *Dialer) Dial(ctx context.Context, token string, h Handler) (*Conn, error) {
	start := time.Now()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &syncerr.CredentialError{Code: wire.CodeUnauthorized, Err: err}
			}
		}
		return nil, syncerr.Connection("dial", err)
	}

	deadline := time.Now().Add(d.handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	err = d.awaitConnected(ws, deadline)
	stop()
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, syncerr.Connection("handshake", ctx.Err())
		}
		return nil, err
	}

	c := newConn(ws, h, d.logger)
	c.start()

	metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	c.logger.Debug("link established", zap.String("url", d.url))
	return c, nil
}

func (d *Dialer) awaitConnected(ws *websocket.Conn, deadline time.Time) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return handshakeReadError(err)
	}

	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	msg, err := wire.Parse(env)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case wire.Connected:
		return nil
	case wire.ConnectRejected:
		return &syncerr.CredentialError{Code: m.Code, Err: errors.New(m.Message)}
	case wire.ServerDisconnect:
		return fmt.Errorf("during handshake (%s): %w", m.Reason, syncerr.ErrServerClosed)
	default:
		return syncerr.Protocol("expected connected, got "+env.Event, nil)
	}
}

func handshakeReadError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return syncerr.Connection("handshake", context.DeadlineExceeded)
	}
	return readError(err)
}

// DialFunc opens one link. Pools and tests substitute their own.
type DialFunc func(ctx context.Context, token string, h Handler) (Link, error)

// Func adapts d to a DialFunc.
func (d *Dialer) Func() DialFunc {
	return func(ctx context.Context, token string, h Handler) (Link, error) {
		c, err := d.Dial(ctx, token, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
