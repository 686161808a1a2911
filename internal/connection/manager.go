// Package connection drives the connection lifecycle: handshake, backoff,
// give-up and credential renewal.
package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/transport"
)

// State is the connection manager state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultMaxAttempts    = 10
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultConnectTimeout = 15 * time.Second

	jitter = 0.25
)

// Config tunes reconnect behaviour.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Provider hands out links. A direct provider dials one link per Acquire;
// the pool keeps several warm.
type Provider interface {
	// Acquire returns a usable link, dialing with token if needed.
	Acquire(ctx context.Context, token string) (transport.Link, error)
	// Failover returns another usable link after failed died, or nil.
	Failover(failed transport.Link) transport.Link
	// Shutdown closes every link the provider owns.
	Shutdown()
}

// Observer receives lifecycle notifications. Every hook is optional and is
// called without the manager lock held.
type Observer struct {
	StateChanged       func(State)
	Connected          func(transport.Link)
	Disconnected       func(link transport.Link, err error)
	Switched           func(prev, next transport.Link)
	ReconnectScheduled func(attempt int, delay time.Duration, err error)
	GaveUp             func(err error)
	CredentialRejected func(err error)
	ServerClosed       func(err error)
}

type attempt struct {
	epoch  uint64
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Manager owns the active link. Every scheduled callback captures the epoch
// at scheduling time and does nothing if the epoch has since moved on.
type Manager struct {
	cfg      Config
	provider Provider
	obs      Observer
	logger   *zap.Logger
	rnd      func() float64

	mu          sync.Mutex
	state       State
	token       string
	attempts    int
	epoch       uint64
	link        transport.Link
	inflight    *attempt
	timer       *time.Timer
	lastErr     error
	transitions []State
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, provider Provider, obs Observer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	metrics.SetConnectionState(StateDisconnected.String())
	return &Manager{
		cfg:      cfg,
		provider: provider,
		obs:      obs,
		logger:   logger,
		rnd:      rand.Float64,
		state:    StateDisconnected,
	}
}

// Backoff returns the reconnect delay after attempt failures:
// clamp(base*2^attempt, base, max) perturbed by up to 25% either way and
// never above max.
func Backoff(attempt int, base, maxDelay time.Duration, rnd func() float64) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d < float64(base) {
		d = float64(base)
	}
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	d *= 1 + (rnd()*2-1)*jitter
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Connect establishes a connection. It is a no-op when already connected;
// concurrent callers share the attempt in flight.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if token != "" {
		m.token = token
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateGivenUp:
		err := m.lastErr
		m.mu.Unlock()
		if err == nil {
			return syncerr.ErrGivenUp
		}
		return fmt.Errorf("%w: %w", syncerr.ErrGivenUp, err)
	}

	a := m.inflight
	if a == nil {
		a = m.startAttemptLocked()
	}
	m.unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops reconnecting and tears the connection down.
func (m *Manager) Disconnect() {
	link := m.reset()
	if link != nil {
		m.notifyDisconnected(link, nil)
	}
	m.provider.Shutdown()
	m.logger.Info("disconnected")
}

// Close is Disconnect.
func (m *Manager) Close() { m.Disconnect() }

// ResetConnection leaves GivenUp (or any other state) and reconnects from a
// clean slate.
func (m *Manager) ResetConnection(ctx context.Context) error {
	m.logger.Info("resetting connection")
	metrics.ReconnectAttempts.WithLabelValues("reset").Inc()
	m.Disconnect()
	return m.Connect(ctx, "")
}

// UpdateCredential replaces the bearer credential and forces a reconnect
// with it.
func (m *Manager) UpdateCredential(ctx context.Context, token string) error {
	if token == "" {
		return &syncerr.CredentialError{Code: "empty", Err: errors.New("empty credential")}
	}
	m.logger.Info("credential updated, reconnecting")
	metrics.ReconnectAttempts.WithLabelValues("credential").Inc()
	m.Disconnect()
	return m.Connect(ctx, token)
}

// HandleDrop reports that link died. Drops of links that are no longer
// active are ignored.
func (m *Manager) HandleDrop(link transport.Link, err error) {
	m.lose(link, err, false)
}

// ForceReconnect abandons link, typically after a heartbeat stall.
func (m *Manager) ForceReconnect(link transport.Link, reason string) {
	metrics.ReconnectAttempts.WithLabelValues("stall").Inc()
	m.lose(link, syncerr.Connection("heartbeat", errors.New(reason)), true)
}

// Switch re-binds the active link from prev to next. It returns false when
// prev is no longer the active link.
func (m *Manager) Switch(prev, next transport.Link) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.link == nil || m.link.Generation() != prev.Generation() {
		m.mu.Unlock()
		return false
	}
	m.link = next
	m.mu.Unlock()

	m.logger.Info("switched active link",
		zap.Uint64("from", prev.Generation()),
		zap.Uint64("to", next.Generation()),
	)
	if m.obs.Switched != nil {
		m.obs.Switched(prev, next)
	}
	if m.obs.Connected != nil {
		m.obs.Connected(next)
	}
	return true
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the length of the current failure streak.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Link returns the active link or nil.
func (m *Manager) Link() transport.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// IsActive reports whether link is the active link.
func (m *Manager) IsActive(link transport.Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil && link != nil && m.link.Generation() == link.Generation()
}

// LastError returns the failure that caused the current state, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) lose(link transport.Link, err error, closeLink bool) {
	m.mu.Lock()
	if m.state != StateConnected || m.link == nil || m.link.Generation() != link.Generation() {
		m.mu.Unlock()
		if closeLink {
			link.Close()
		}
		return
	}
	epoch := m.epoch
	m.link = nil
	m.mu.Unlock()

	m.logger.Warn("active link lost", zap.Uint64("generation", link.Generation()), zap.Error(err))
	m.notifyDisconnected(link, err)
	if closeLink {
		link.Close()
	}

	if !errors.Is(err, syncerr.ErrServerClosed) {
		if next := m.provider.Failover(link); next != nil {
			m.mu.Lock()
			if m.epoch == epoch && m.state == StateConnected && m.link == nil {
				m.link = next
				m.mu.Unlock()
				m.logger.Info("failed over to pooled link", zap.Uint64("generation", next.Generation()))
				if m.obs.Switched != nil {
					m.obs.Switched(link, next)
				}
				if m.obs.Connected != nil {
					m.obs.Connected(next)
				}
				return
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnected || m.link != nil {
		m.mu.Unlock()
		return
	}
	after := m.failLocked(err)
	m.unlock(after)
}

func (m *Manager) startAttemptLocked() *attempt {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	a := &attempt{epoch: m.epoch, done: make(chan struct{}), cancel: cancel}
	m.inflight = a
	m.stopTimerLocked()
	if m.state != StateReconnecting {
		m.setStateLocked(StateConnecting)
	}
	go m.runAttempt(ctx, a, m.token)
	return a
}

func (m *Manager) runAttempt(ctx context.Context, a *attempt, token string) {
	link, err := m.provider.Acquire(ctx, token)
	a.cancel()

	m.mu.Lock()
	if a.epoch != m.epoch || m.inflight != a {
		m.mu.Unlock()
		if link != nil {
			link.Close()
		}
		a.finish(syncerr.ErrStaleAttempt)
		return
	}
	m.inflight = nil

	// Hooks run before waiters are released so Connect returns with the
	// session fully set up.
	if err != nil {
		m.unlock(m.failLocked(err))
		a.finish(err)
		return
	}

	m.link = link
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.unlock()

	m.logger.Info("connected", zap.Uint64("generation", link.Generation()))
	if m.obs.Connected != nil {
		m.obs.Connected(link)
	}
	a.finish(nil)
}

// failLocked decides what a failure means and returns the notification to
// run once the lock is released.
func (m *Manager) failLocked(err error) func() {
	m.lastErr = err

	var credErr *syncerr.CredentialError
	switch {
	case errors.As(err, &credErr):
		m.setStateLocked(StateGivenUp)
		m.logger.Warn("credential rejected, waiting for a new credential", zap.Error(err))
		return func() {
			if m.obs.CredentialRejected != nil {
				m.obs.CredentialRejected(err)
			}
		}

	case errors.Is(err, syncerr.ErrServerClosed):
		m.setStateLocked(StateGivenUp)
		m.logger.Warn("server closed the connection, not reconnecting", zap.Error(err))
		return func() {
			if m.obs.ServerClosed != nil {
				m.obs.ServerClosed(err)
			}
		}
	}

	if m.attempts >= m.cfg.MaxAttempts {
		m.setStateLocked(StateGivenUp)
		m.logger.Error("giving up on reconnect",
			zap.Int("attempts", m.attempts),
			zap.Error(err),
		)
		return func() {
			if m.obs.GaveUp != nil {
				m.obs.GaveUp(err)
			}
		}
	}

	delay := Backoff(m.attempts, m.cfg.BaseDelay, m.cfg.MaxDelay, m.rnd)
	m.attempts++
	n := m.attempts
	m.setStateLocked(StateReconnecting)

	epoch := m.epoch
	m.timer = time.AfterFunc(delay, func() { m.onReconnectTimer(epoch) })
	metrics.ReconnectAttempts.WithLabelValues("backoff").Inc()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", n),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	return func() {
		if m.obs.ReconnectScheduled != nil {
			m.obs.ReconnectScheduled(n, delay, err)
		}
	}
}

func (m *Manager) onReconnectTimer(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.startAttemptLocked()
	m.unlock()
}

// reset moves to Disconnected under a new epoch and returns the link that
// was active.
func (m *Manager) reset() transport.Link {
	m.mu.Lock()
	m.epoch++
	m.stopTimerLocked()
	if m.inflight != nil {
		m.inflight.cancel()
		m.inflight = nil
	}
	link := m.link
	m.link = nil
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateDisconnected)
	m.unlock()
	return link
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.transitions = append(m.transitions, s)
	metrics.SetConnectionState(s.String())
}

// unlock releases the lock, then reports state transitions and runs after.
func (m *Manager) unlock(after ...func()) {
	pending := m.transitions
	m.transitions = nil
	m.mu.Unlock()

	if m.obs.StateChanged != nil {
		for _, s := range pending {
			m.obs.StateChanged(s)
		}
	}
	for _, fn := range after {
		if fn != nil {
			fn()
		}
	}
}

func (m *Manager) notifyDisconnected(link transport.Link, err error) {
	if m.obs.Disconnected != nil {
		m.obs.Disconnected(link, err)
	}
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}
