// Package fakeserver is a reference sync server speaking the karaoke wire
// protocol. It backs the syncserver command and the client integration tests.
package fakeserver

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/codec"
	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator validates a bearer token and returns the subject it belongs
// to. Rejections should be *syncerr.CredentialError so the code reaches the
// client.
type Authenticator func(token string) (subject string, err error)

// AcceptAny accepts every non-empty token.
func AcceptAny(token string) (string, error) {
	return token, nil
}

// StaticTokens accepts only the listed tokens.
func StaticTokens(tokens ...string) Authenticator {
	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		allowed[t] = true
	}
	return func(token string) (string, error) {
		if !allowed[token] {
			return "", &syncerr.CredentialError{Code: wire.CodeUnauthorized, Err: errors.New("unknown token")}
		}
		return token, nil
	}
}

// EventHandler receives domain events sent by clients.
type EventHandler func(subject string, env *wire.Envelope)

// Config configures a Server.
type Config struct {
	Authenticate Authenticator
	Codec        codec.Config
	Logger       *zap.Logger
}

// Server holds the authoritative topic state and fans updates out to
// subscribed peers.
type Server struct {
	hub    *Hub
	store  *merge.Store
	codec  *codec.Codec
	auth   Authenticator
	logger *zap.Logger

	mu      sync.RWMutex
	events  map[merge.TopicKey]string // last event name per topic
	onEvent EventHandler

	silent atomic.Bool
}

// New creates a Server. Call Run to start the hub.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Authenticate == nil {
		cfg.Authenticate = AcceptAny
	}
	c, err := codec.New(cfg.Codec, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		hub:    NewHub(cfg.Logger),
		store:  merge.NewStore(),
		codec:  c,
		auth:   cfg.Authenticate,
		logger: cfg.Logger,
		events: make(map[merge.TopicKey]string),
	}, nil
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// OnEvent sets the handler for client domain events.
func (s *Server) OnEvent(fn EventHandler) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// SetSilent makes the server ignore pings, which looks like a stalled link
// to the client.
func (s *Server) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// HandleWS upgrades an authenticated request and starts the peer pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	subject, err := s.auth(token)
	if err != nil {
		s.reject(conn, err)
		return
	}

	p := newPeer(s, conn, uuid.NewString(), subject)

	// "connected" must be the first frame, ahead of any broadcast.
	hello, err := wire.NewEnvelope(wire.EventConnected, wire.ConnectedPayload{
		ConnectionID: p.connID,
		ServerTime:   time.Now().UnixMilli(),
	})
	if err == nil {
		var data []byte
		if data, err = wire.Encode(hello); err == nil {
			p.send <- data
		}
	}
	if err != nil {
		s.logger.Error("failed to build connected envelope", zap.Error(err))
		conn.Close()
		return
	}

	s.hub.register(p)
	go p.writePump()
	go p.readPump()

	s.logger.Info("client connected",
		zap.String("connID", p.connID),
		zap.String("subject", maskToken(subject)),
	)
}

// reject answers connect_error and closes with a policy violation.
func (s *Server) reject(conn *websocket.Conn, err error) {
	defer conn.Close()

	code := wire.CodeUnauthorized
	var ce *syncerr.CredentialError
	if errors.As(err, &ce) && ce.Code != "" {
		code = ce.Code
	}
	s.logger.Info("rejecting client", zap.String("code", code), zap.Error(err))

	env, encErr := wire.NewEnvelope(wire.EventConnectError, wire.ConnectErrorPayload{Code: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	data, encErr := wire.Encode(env)
	if encErr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
}

func (s *Server) handleEnvelope(p *peer, env *wire.Envelope) {
	env, err := s.codec.Decompress(env)
	if err != nil {
		p.logger.Debug("dropping undecodable envelope", zap.Error(err))
		return
	}

	if scope, join, ok := wire.ScopeOf(env.Event); ok {
		if join {
			s.hub.join(p, scope)
			s.sendScopeSnapshots(p, scope)
		} else {
			s.hub.leave(p, scope)
		}
		return
	}

	switch env.Event {
	case wire.EventPing:
		if s.silent.Load() {
			return
		}
		var ping wire.PingPayload
		if err := json.Unmarshal(env.Payload, &ping); err != nil {
			p.logger.Debug("bad ping payload", zap.Error(err))
			return
		}
		s.sendControl(p, wire.EventPong, ping)

	case wire.EventSyncCheckRequest:
		var req wire.SyncCheckRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			p.logger.Debug("bad sync check payload", zap.Error(err))
			return
		}
		s.sendControl(p, wire.EventSyncCheckResponse, s.checkTopic(req))

	case wire.EventRequestResync:
		var req wire.ResyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			p.logger.Debug("bad resync payload", zap.Error(err))
			return
		}
		key := merge.TopicKey{Type: req.Type, Scope: req.Scope}
		p.logger.Debug("resync requested", zap.String("topic", key.String()))
		s.sendSnapshot(p, key)

	default:
		if wire.IsControl(env.Event) {
			return
		}
		s.mu.RLock()
		fn := s.onEvent
		s.mu.RUnlock()
		if fn != nil {
			fn(p.subject, env)
		}
	}
}

func (s *Server) checkTopic(req wire.SyncCheckRequest) wire.SyncCheckResult {
	key := merge.TopicKey{Type: req.Type, Scope: req.Scope}
	result := wire.SyncCheckResult{
		RequestID:     req.RequestID,
		Topic:         req.Topic,
		LocalChecksum: req.Checksum,
	}
	if t, ok := s.store.Get(key); ok {
		result.ServerChecksum = t.Checksum
		result.Matched = t.Checksum == req.Checksum
	}
	return result
}

func (s *Server) sendScopeSnapshots(p *peer, scope string) {
	for _, key := range s.store.Keys() {
		if key.Scope == scope {
			s.sendSnapshot(p, key)
		}
	}
}

// sendSnapshot sends the full state of key to one peer. Unknown topics are
// sent as an empty list.
func (s *Server) sendSnapshot(p *peer, key merge.TopicKey) {
	t, ok := s.store.Get(key)
	if !ok {
		var err error
		if t, err = s.store.ApplyFull(key, nil); err != nil {
			p.logger.Error("failed to initialize topic", zap.String("topic", key.String()), zap.Error(err))
			return
		}
	}
	data, err := s.encodeFull(t)
	if err != nil {
		p.logger.Error("failed to encode snapshot", zap.String("topic", key.String()), zap.Error(err))
		return
	}
	s.hub.sendTo(p, data)
}

func (s *Server) sendControl(p *peer, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		p.logger.Error("failed to build envelope", zap.String("event", event), zap.Error(err))
		return
	}
	data, err := wire.Encode(env)
	if err != nil {
		p.logger.Error("failed to encode envelope", zap.String("event", event), zap.Error(err))
		return
	}
	s.hub.sendTo(p, data)
}

func (s *Server) eventFor(key merge.TopicKey) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.events[key]; ok {
		return e
	}
	return key.Type + "_updated"
}

func (s *Server) encodeFull(t merge.Topic) ([]byte, error) {
	data, err := json.Marshal(t.Value())
	if err != nil {
		return nil, err
	}
	return s.encodeUpdate(s.eventFor(t.Key), wire.UpdatePayload{
		Type:     t.Key.Type,
		Scope:    t.Key.Scope,
		Mode:     wire.ModeFull,
		Data:     data,
		Checksum: t.Checksum,
	})
}

func (s *Server) encodeUpdate(event string, payload wire.UpdatePayload) ([]byte, error) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	env.Priority = wire.PriorityNormal
	env, err = s.codec.Compress(env)
	if err != nil {
		return nil, err
	}
	return wire.Encode(env)
}

// PublishFull replaces a topic and broadcasts the snapshot to its scope.
func (s *Server) PublishFull(key merge.TopicKey, event string, data json.RawMessage) (merge.Topic, error) {
	t, err := s.store.ApplyFull(key, data)
	if err != nil {
		return merge.Topic{}, err
	}
	s.setEvent(key, event)

	msg, err := s.encodeFull(t)
	if err != nil {
		return t, err
	}
	n := s.hub.broadcast(key.Scope, msg)
	s.logger.Debug("published snapshot", zap.String("topic", key.String()), zap.Int("peers", n))
	return t, nil
}

// PublishDelta applies changes to a topic and broadcasts them with the
// resulting checksum.
func (s *Server) PublishDelta(key merge.TopicKey, event string, changes []wire.DeltaChange) (merge.Topic, error) {
	t, err := s.store.ApplyDelta(key, changes)
	if err != nil {
		return merge.Topic{}, err
	}
	s.setEvent(key, event)

	msg, err := s.encodeUpdate(s.eventFor(key), wire.UpdatePayload{
		Type:     key.Type,
		Scope:    key.Scope,
		Mode:     wire.ModeIncremental,
		Changes:  changes,
		Checksum: t.Checksum,
	})
	if err != nil {
		return t, err
	}
	n := s.hub.broadcast(key.Scope, msg)
	s.logger.Debug("published delta",
		zap.String("topic", key.String()),
		zap.Int("changes", len(changes)),
		zap.Int("peers", n),
	)
	return t, nil
}

// Overwrite replaces a topic without notifying anyone, so connected clients
// drift until they audit or resync.
func (s *Server) Overwrite(key merge.TopicKey, data json.RawMessage) (merge.Topic, error) {
	return s.store.ApplyFull(key, data)
}

// Topic returns the server's copy of a topic.
func (s *Server) Topic(key merge.TopicKey) (merge.Topic, bool) {
	return s.store.Get(key)
}

// Topics lists the known topic keys.
func (s *Server) Topics() []merge.TopicKey {
	return s.store.Keys()
}

func (s *Server) setEvent(key merge.TopicKey, event string) {
	if event == "" {
		return
	}
	s.mu.Lock()
	s.events[key] = event
	s.mu.Unlock()
}

// CloseAll sends a disconnect notice to every peer and closes normally.
// Clients treat this as a deliberate close and do not reconnect.
func (s *Server) CloseAll(reason string) {
	for _, p := range s.hub.all() {
		s.sendControl(p, wire.EventDisconnect, wire.DisconnectPayload{Reason: reason})
		p.closeCode.Store(websocket.CloseNormalClosure)
		s.hub.unregister(p)
	}
}

// DropAll closes every connection without a close handshake, as a network
// failure would.
func (s *Server) DropAll() {
	for _, p := range s.hub.all() {
		p.conn.Close()
	}
}

// Close releases codec resources.
func (s *Server) Close() {
	s.codec.Close()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

// maskToken shows only the first and last 4 characters.
func maskToken(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
