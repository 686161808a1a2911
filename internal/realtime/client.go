// Package realtime is the entry point of the sync transport. A Client keeps
// one logical connection to the sync server, merges topic updates into a
// local cache and delivers them to listeners.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/audit"
	"github.com/dgnsrekt/karaoke-sync/internal/auth"
	"github.com/dgnsrekt/karaoke-sync/internal/codec"
	"github.com/dgnsrekt/karaoke-sync/internal/connection"
	"github.com/dgnsrekt/karaoke-sync/internal/dispatch"
	"github.com/dgnsrekt/karaoke-sync/internal/heartbeat"
	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/notify"
	"github.com/dgnsrekt/karaoke-sync/internal/pool"
	"github.com/dgnsrekt/karaoke-sync/internal/resilience"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/transport"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	DefaultDedupWindow = 1024

	notifyTimeout = 10 * time.Second
	drainKey      = "drain"
)

// Options configure a Client. Zero values fall back to package defaults.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration

	Connection connection.Config
	Heartbeat  heartbeat.Config
	Codec      codec.Config

	PoolEnabled bool
	Pool        pool.Config

	AuditEnabled bool
	Audit        audit.Config

	Resilience  resilience.Config
	DedupWindow int

	Notifier notify.Notifier
	Logger   *zap.Logger

	// Dial replaces the websocket dialer, mainly for tests.
	Dial transport.DialFunc
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	logger *zap.Logger

	events     *dispatch.Dispatcher
	codec      *codec.Codec
	store      *merge.Store
	heartbeat  *heartbeat.Monitor
	manager    *connection.Manager
	pool       *pool.Pool
	auditor    *audit.Auditor
	resilience *resilience.Controller
	notifier   notify.Notifier
	recent     *recentIDs

	// Set by Disconnect; the fallback probe must not reconnect on its own.
	userDisconnected atomic.Bool

	mu            sync.Mutex
	scopes        map[string]struct{}
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	poolCancel    context.CancelFunc
	fallbackSince time.Time
}

// NewClient wires a disconnected Client.
func NewClient(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dial == nil {
		if opts.URL == "" {
			return nil, errors.New("sync server URL is required")
		}
		opts.Dial = transport.NewDialer(opts.URL, opts.HandshakeTimeout, logger).Func()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}

	cd, err := codec.New(opts.Codec, logger)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	c := &Client{
		opts:      opts,
		logger:    logger,
		events:    dispatch.New(logger),
		codec:     cd,
		store:     merge.NewStore(),
		heartbeat: heartbeat.New(opts.Heartbeat, logger),
		notifier:  opts.Notifier,
		recent:    newRecentIDs(opts.DedupWindow),
		scopes:    make(map[string]struct{}),
	}

	handler := transport.Handler{
		OnMessage: c.handleEnvelope,
		OnClose:   c.handleClose,
	}

	var provider connection.Provider
	if opts.PoolEnabled {
		c.pool = pool.New(opts.Pool, opts.Dial, handler, logger)
		c.pool.OnSwitch(c.onPoolSwitch)
		c.pool.OnExhausted(c.onPoolExhausted)
		provider = c.pool
	} else {
		provider = connection.NewDirect(opts.Dial, handler)
	}

	c.manager = connection.NewManager(opts.Connection, provider, connection.Observer{
		StateChanged:       func(s connection.State) { c.events.Emit(StateChanged{State: s}) },
		Connected:          c.onConnected,
		Disconnected:       c.onDisconnected,
		Switched:           c.onSwitched,
		ReconnectScheduled: c.onReconnectScheduled,
		GaveUp:             c.onGaveUp,
		CredentialRejected: func(err error) { c.events.Emit(CredentialRejected{Err: err}) },
		ServerClosed:       func(err error) { c.events.Emit(ServerClosed{Err: err}) },
	}, logger)

	c.auditor = audit.New(opts.Audit, c.store, c.deliver, logger)
	c.auditor.OnMismatch(c.onMismatch)

	c.resilience = resilience.NewController(opts.Resilience, resilience.Hooks{
		Probe:            c.probe,
		FallbackEnabled:  c.onFallbackEnabled,
		FallbackDisabled: c.onFallbackDisabled,
	}, logger)

	return c, nil
}

// Connect establishes the connection with token. It is a no-op when already
// connected. A JWT that has already expired is rejected without dialing.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token != "" {
		if err := auth.CheckUsable(token); err != nil {
			return err
		}
	}
	c.userDisconnected.Store(false)
	c.startPool()
	return c.manager.Connect(ctx, token)
}

// UpdateCredential reconnects with a renewed token.
func (c *Client) UpdateCredential(ctx context.Context, token string) error {
	if err := auth.CheckUsable(token); err != nil {
		return err
	}
	c.userDisconnected.Store(false)
	c.startPool()
	return c.manager.UpdateCredential(ctx, token)
}

// ResetConnection leaves the given-up state and reconnects.
func (c *Client) ResetConnection(ctx context.Context) error {
	c.userDisconnected.Store(false)
	c.startPool()
	return c.manager.ResetConnection(ctx)
}

// Disconnect tears the connection down and stops reconnecting, including
// fallback polling. Queued messages stay queued until the next Connect.
func (c *Client) Disconnect() {
	c.userDisconnected.Store(true)
	c.resilience.StopPolling()
	c.manager.Disconnect()
}

// Close disconnects and releases every background resource.
func (c *Client) Close() {
	c.userDisconnected.Store(true)
	c.manager.Close()

	c.mu.Lock()
	if c.poolCancel != nil {
		c.poolCancel()
		c.poolCancel = nil
	}
	c.mu.Unlock()

	c.resilience.Close()
	c.heartbeat.Stop()
	c.auditor.Stop()
	c.codec.Close()
}

// On subscribes fn to events named name.
func (c *Client) On(name string, fn dispatch.Listener) dispatch.ListenerID {
	return c.events.On(name, fn)
}

// Off removes a subscription.
func (c *Client) Off(name string, id dispatch.ListenerID) bool {
	return c.events.Off(name, id)
}

// Send publishes a domain event. While no connection is usable the envelope
// is queued and Send returns nil. Malformed or oversized payloads are
// returned as ProtocolErrors.
func (c *Client) Send(event string, payload any) error {
	if wire.IsControl(event) {
		return syncerr.Protocol("reserved event name "+event, nil)
	}
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// SendEnvelope is Send for a prepared envelope.
func (c *Client) SendEnvelope(env *wire.Envelope) error {
	out, err := c.codec.Compress(env)
	if err != nil {
		return err
	}

	if c.shouldQueue() {
		c.resilience.Enqueue(out)
		c.kickDrain()
		return nil
	}

	key := "send_" + env.Event
	if err := c.deliver(out); err != nil {
		d := c.resilience.RecordFailure(key, err)
		switch {
		case d.Drop:
			return err
		case d.Retry:
			sess := c.session()
			time.AfterFunc(d.Delay, func() { c.retrySend(sess, key, out) })
		default:
			c.resilience.Enqueue(out)
			c.kickDrain()
		}
		return nil
	}
	c.resilience.RecordSuccess(key)
	return nil
}

// retrySend redelivers env on the session it failed on. When that session
// has ended or other messages are waiting, env joins the queue behind them.
func (c *Client) retrySend(sess context.Context, key string, env *wire.Envelope) {
	if sess == nil || sess.Err() != nil || c.shouldQueue() {
		c.resilience.Enqueue(env)
		c.kickDrain()
		return
	}
	if err := c.deliver(env); err != nil {
		if d := c.resilience.RecordFailure(key, err); !d.Drop {
			c.resilience.Enqueue(env)
			c.kickDrain()
		}
		return
	}
	c.resilience.RecordSuccess(key)
}

func (c *Client) session() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCtx
}

// Queued envelopes go first so delivery order matches call order.
func (c *Client) shouldQueue() bool {
	return c.resilience.InFallback() ||
		c.manager.Link() == nil ||
		c.resilience.Queue().Len() > 0 ||
		c.resilience.Draining()
}

// kickDrain starts a drain on the current session. Drains are serialized,
// so a kick during a running drain delivers whatever that drain missed.
func (c *Client) kickDrain() {
	if c.resilience.InFallback() || c.manager.Link() == nil {
		return
	}
	ctx := c.session()
	if ctx == nil {
		return
	}
	go func() {
		_, _, err := c.resilience.Drain(ctx, c.deliver)
		switch {
		case err == nil:
			c.resilience.RecordSuccess(drainKey)
		case errors.Is(err, context.Canceled):
		default:
			c.logger.Debug("offline drain interrupted", zap.Error(err))
			if d := c.resilience.RecordFailure(drainKey, err); d.Retry {
				time.AfterFunc(d.Delay, c.kickDrain)
			}
		}
	}()
}

// deliver writes env to the active link without queueing.
func (c *Client) deliver(env *wire.Envelope) error {
	link := c.manager.Link()
	if link == nil {
		return syncerr.ErrNotConnected
	}
	out, err := c.codec.Compress(env)
	if err != nil {
		return err
	}
	if err := link.Send(out); err != nil {
		return err
	}
	if c.pool != nil {
		c.pool.RecordSend(link)
	}
	return nil
}

// Join subscribes to a scope. Joined scopes are re-joined after every
// reconnect.
func (c *Client) Join(scope string) error {
	if scope == "" {
		return syncerr.Protocol("empty scope", nil)
	}
	c.mu.Lock()
	c.scopes[scope] = struct{}{}
	c.mu.Unlock()

	if link := c.manager.Link(); link != nil {
		return c.sendScope(link, wire.JoinEvent(scope), scope)
	}
	return nil
}

// Leave unsubscribes from a scope.
func (c *Client) Leave(scope string) error {
	c.mu.Lock()
	_, ok := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()

	if link := c.manager.Link(); ok && link != nil {
		return c.sendScope(link, wire.LeaveEvent(scope), scope)
	}
	return nil
}

// Joined returns the joined scopes.
func (c *Client) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	return out
}

func (c *Client) sendScope(link transport.Link, event, scope string) error {
	env, err := wire.NewEnvelope(event, map[string]string{"scope": scope})
	if err != nil {
		return err
	}
	return link.Send(env)
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.manager.State()
}

// Topic returns the cached snapshot of key.
func (c *Client) Topic(key merge.TopicKey) (merge.Topic, bool) {
	return c.store.Get(key)
}

// Topics returns the cached topic keys.
func (c *Client) Topics() []merge.TopicKey {
	return c.store.Keys()
}

// ClearCache drops every cached topic.
func (c *Client) ClearCache() {
	c.store.ClearAll()
}

// QueueLen returns the number of envelopes waiting for delivery.
func (c *Client) QueueLen() int {
	return c.resilience.Queue().Len()
}

// InFallback reports whether real-time delivery is suspended.
func (c *Client) InFallback() bool {
	return c.resilience.InFallback()
}

// PoolMembers returns the pool state, or nil without pooling.
func (c *Client) PoolMembers() []pool.MemberInfo {
	if c.pool == nil {
		return nil
	}
	return c.pool.Members()
}

// RunAudit runs one audit cycle immediately.
func (c *Client) RunAudit(ctx context.Context) error {
	return c.auditor.RunCycle(ctx)
}

func (c *Client) startPool() {
	if c.pool == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poolCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.poolCancel = cancel
	go c.pool.Run(ctx)
}

func (c *Client) handleClose(link transport.Link, err error) {
	c.manager.HandleDrop(link, err)
}

func (c *Client) handleEnvelope(link transport.Link, env *wire.Envelope) {
	if !c.manager.IsActive(link) {
		// Standby pool members only answer health probes.
		if c.pool != nil && env.Event == wire.EventPong {
			var p wire.PingPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				c.pool.Ack(link, p.Seq)
			}
		}
		return
	}

	env, err := c.codec.Decompress(env)
	if err != nil {
		c.reportError("decode", err)
		return
	}
	msg, err := wire.Parse(env)
	if err != nil {
		c.reportError("parse", err)
		return
	}

	switch m := msg.(type) {
	case wire.Pong:
		if rtt, ok := c.heartbeat.Ack(m.Seq); ok && c.pool != nil {
			c.pool.RecordLatency(link, rtt)
		}
	case wire.SyncCheck:
		c.auditor.HandleResponse(m.SyncCheckResult)
	case wire.Update:
		c.applyUpdate(m)
	case wire.Connected, wire.ConnectRejected, wire.ServerDisconnect, wire.Ignored:
		// Handshake and close are handled by the transport.
	default:
		c.logger.Warn("unhandled message", zap.String("event", env.Event))
	}
}

func (c *Client) applyUpdate(m wire.Update) {
	if m.ID != "" && c.recent.seen(m.ID) {
		c.logger.Debug("dropping duplicate update", zap.String("id", m.ID))
		return
	}

	key := merge.TopicKey{Type: m.Type, Scope: m.Scope}
	var (
		topic merge.Topic
		err   error
	)
	if m.Mode == wire.ModeIncremental {
		topic, err = c.store.ApplyDelta(key, m.Changes)
		if errors.Is(err, syncerr.ErrNoBaseline) {
			c.auditor.RequestResync(key)
			return
		}
	} else {
		topic, err = c.store.ApplyFull(key, m.Data)
		if err == nil {
			c.auditor.ResyncCompleted(key)
		}
	}
	if err != nil {
		c.store.Clear(key)
		c.auditor.RequestResync(key)
		c.reportError("merge "+key.String(), err)
		return
	}

	if m.Checksum != "" && m.Checksum != topic.Checksum {
		ierr := &syncerr.IntegrityError{Topic: key.String(), Local: topic.Checksum, Remote: m.Checksum}
		c.logger.Warn("update checksum mismatch", zap.Error(ierr))
		c.store.Clear(key)
		c.auditor.RequestResync(key)
		c.events.Emit(IntegrityMismatch{Topic: key, LocalChecksum: topic.Checksum, ServerChecksum: m.Checksum})
		return
	}

	c.events.Emit(TopicUpdate{
		Event:    m.Event,
		Key:      key,
		Mode:     m.Mode,
		Items:    topic.Items,
		Object:   topic.Object,
		Checksum: topic.Checksum,
	})
}

func (c *Client) reportError(op string, err error) {
	c.logger.Warn("dropping inbound message", zap.String("op", op), zap.Error(err))
	c.events.Emit(Error{Op: op, Err: err})
}

func (c *Client) onConnected(link transport.Link) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCtx, c.sessionCancel = ctx, cancel
	scopes := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.mu.Unlock()

	c.heartbeat.Start(c.probeFunc(link), func() { c.onStall(link) })
	if c.opts.AuditEnabled {
		c.auditor.Reset()
		c.auditor.Start()
	}
	for _, s := range scopes {
		if err := c.sendScope(link, wire.JoinEvent(s), s); err != nil {
			c.logger.Warn("rejoin failed", zap.String("scope", s), zap.Error(err))
		}
	}
	c.resilience.RecordSuccess("connect")
	c.events.Emit(Connected{LinkID: link.ID(), Generation: link.Generation()})

	go func() {
		if !c.manager.IsActive(link) {
			return
		}
		if _, err := c.resilience.Recover(ctx, c.deliver); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("offline drain interrupted", zap.Error(err))
		}
	}()
}

func (c *Client) onDisconnected(link transport.Link, err error) {
	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCtx, c.sessionCancel = nil, nil
	}
	c.mu.Unlock()

	c.heartbeat.Stop()
	c.auditor.Stop()
	c.events.Emit(Disconnected{Generation: link.Generation(), Err: err})
}

func (c *Client) onSwitched(prev, next transport.Link) {
	c.events.Emit(PoolSwitched{From: prev.Generation(), To: next.Generation()})
}

func (c *Client) onReconnectScheduled(attempt int, delay time.Duration, err error) {
	c.events.Emit(Reconnecting{Attempt: attempt, Delay: delay, Err: err})
	c.resilience.RecordFailure("connect", err)
}

func (c *Client) onGaveUp(err error) {
	c.events.Emit(GaveUp{Err: err})
	attempts := c.manager.Attempts()
	c.notify(func(ctx context.Context) error { return c.notifier.GaveUp(ctx, attempts, err) })
	c.resilience.EnterFallback(err)
}

func (c *Client) onPoolSwitch(prev, next transport.Link) {
	c.manager.Switch(prev, next)
}

func (c *Client) onPoolExhausted() {
	c.resilience.EnterFallback(syncerr.ErrNoUsableLink)
}

func (c *Client) onMismatch(key merge.TopicKey, result wire.SyncCheckResult) {
	c.events.Emit(IntegrityMismatch{
		Topic:          key,
		LocalChecksum:  result.LocalChecksum,
		ServerChecksum: result.ServerChecksum,
	})
}

func (c *Client) onStall(link transport.Link) {
	if c.pool != nil {
		c.pool.RecordTimeout(link)
	}
	c.manager.ForceReconnect(link, "heartbeat timeout")
}

func (c *Client) probeFunc(link transport.Link) heartbeat.ProbeFunc {
	return func(seq uint64, sentAt time.Time) error {
		env, err := wire.NewEnvelope(wire.EventPing, wire.PingPayload{Seq: seq, SentAt: sentAt.UnixMilli()})
		if err != nil {
			return err
		}
		return link.Send(env)
	}
}

// probe runs while in fallback. A server close or a rejected credential
// needs the application, so those are left alone.
func (c *Client) probe(ctx context.Context) {
	if c.userDisconnected.Load() {
		return
	}
	if c.manager.State() == connection.StateConnected {
		if sess := c.session(); sess != nil {
			go func() {
				if _, err := c.resilience.Recover(sess, c.deliver); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Debug("offline drain interrupted", zap.Error(err))
				}
			}()
		}
		return
	}

	last := c.manager.LastError()
	if errors.Is(last, syncerr.ErrServerClosed) || syncerr.Classify(last) == syncerr.KindCredential {
		return
	}

	timeout := c.opts.Connection.ConnectTimeout
	if timeout <= 0 {
		timeout = connection.DefaultConnectTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.manager.ResetConnection(pctx); err != nil {
		c.logger.Debug("fallback probe failed", zap.Error(err))
	}
	// Disconnect may have raced the reconnect.
	if c.userDisconnected.Load() {
		c.manager.Disconnect()
	}
}

func (c *Client) onFallbackEnabled(reason error) {
	c.mu.Lock()
	c.fallbackSince = time.Now()
	c.mu.Unlock()

	queued := c.resilience.Queue().Len()
	c.events.Emit(FallbackEnabled{Reason: reason, Queued: queued})
	c.notify(func(ctx context.Context) error { return c.notifier.FallbackEnabled(ctx, queued, reason) })
}

func (c *Client) onFallbackDisabled(delivered, dropped int) {
	c.mu.Lock()
	outage := time.Since(c.fallbackSince)
	c.mu.Unlock()

	c.events.Emit(FallbackDisabled{Delivered: delivered, Dropped: dropped})
	c.notify(func(ctx context.Context) error { return c.notifier.FallbackDisabled(ctx, delivered, dropped, outage) })
}

func (c *Client) notify(send func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			c.logger.Debug("notification failed", zap.Error(err))
		}
	}()
}
