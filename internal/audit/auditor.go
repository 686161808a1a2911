// Package audit periodically reconciles cached topic checksums with the
// server and requests a resync when they drift.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	DefaultInterval         = 60 * time.Second
	DefaultStaleAfter       = 5 * time.Minute
	DefaultRequestTimeout   = 10 * time.Second
	DefaultResyncTimeout    = 30 * time.Second
	DefaultCooldown         = 10 * time.Minute
	DefaultFailureThreshold = 5
)

// Config controls audit cadence and the failure breaker.
type Config struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	RequestTimeout   time.Duration
	ResyncTimeout    time.Duration
	Cooldown         time.Duration
	FailureThreshold uint32
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = DefaultResyncTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
}

// Sender writes an envelope to the active connection.
type Sender func(env *wire.Envelope) error

// MismatchFunc is called after a drifted topic has been cleared.
type MismatchFunc func(key merge.TopicKey, result wire.SyncCheckResult)

// Auditor runs sync checks for stale topics. Checks go through a circuit
// breaker so a struggling server is left alone for the cooldown.
type Auditor struct {
	cfg     Config
	store   *merge.Store
	send    Sender
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker[wire.SyncCheckResult]
	now     func() time.Time

	mu         sync.Mutex
	pending    map[string]chan wire.SyncCheckResult
	resyncs    map[merge.TopicKey]time.Time
	onMismatch MismatchFunc
	cancel     context.CancelFunc
}

// New creates a stopped Auditor over store.
func New(cfg Config, store *merge.Store, send Sender, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	a := &Auditor{
		cfg:     cfg,
		store:   store,
		send:    send,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]chan wire.SyncCheckResult),
		resyncs: make(map[merge.TopicKey]time.Time),
	}
	a.breaker = gobreaker.NewCircuitBreaker[wire.SyncCheckResult](gobreaker.Settings{
		Name:        "sync-audit",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("audit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return a
}

// OnMismatch registers the drift callback.
func (a *Auditor) OnMismatch(fn MismatchFunc) {
	a.mu.Lock()
	a.onMismatch = fn
	a.mu.Unlock()
}

// Start runs an audit cycle every interval until Stop. A running auditor
// is restarted.
func (a *Auditor) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(ctx)
}

// Stop halts the audit loop and abandons outstanding checks.
func (a *Auditor) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
}

// Running reports whether the audit loop is active.
func (a *Auditor) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Auditor) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Debug("audit cycle ended early", zap.Error(err))
			}
		}
	}
}

// RunCycle checks every stale topic once. It stops early when the breaker
// is open or ctx is done.
func (a *Auditor) RunCycle(ctx context.Context) error {
	for _, topic := range a.store.Stale(a.cfg.StaleAfter) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.ResyncPending(topic.Key) {
			metrics.SyncChecks.WithLabelValues("skipped").Inc()
			continue
		}

		result, err := a.breaker.Execute(func() (wire.SyncCheckResult, error) {
			return a.check(ctx, topic)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.SyncChecks.WithLabelValues("skipped").Inc()
			return err
		}
		if err != nil {
			metrics.SyncChecks.WithLabelValues("error").Inc()
			a.logger.Warn("sync check failed",
				zap.String("topic", topic.Key.String()),
				zap.Error(err))
			continue
		}

		a.resolve(topic, result)
	}
	return nil
}

func (a *Auditor) resolve(topic merge.Topic, result wire.SyncCheckResult) {
	if result.Matched {
		metrics.SyncChecks.WithLabelValues("matched").Inc()
		return
	}

	// The topic moved on while the check was in flight.
	if cur, ok := a.store.Get(topic.Key); !ok || cur.Checksum != topic.Checksum {
		metrics.SyncChecks.WithLabelValues("skipped").Inc()
		return
	}

	metrics.SyncChecks.WithLabelValues("mismatch").Inc()
	err := &syncerr.IntegrityError{
		Topic:  topic.Key.String(),
		Local:  topic.Checksum,
		Remote: result.ServerChecksum,
	}
	a.logger.Warn("topic drifted from server", zap.Error(err))

	a.store.Clear(topic.Key)
	a.RequestResync(topic.Key)

	a.mu.Lock()
	fn := a.onMismatch
	a.mu.Unlock()
	if fn != nil {
		fn(topic.Key, result)
	}
}

func (a *Auditor) check(ctx context.Context, topic merge.Topic) (wire.SyncCheckResult, error) {
	req := wire.SyncCheckRequest{
		RequestID: uuid.NewString(),
		Topic:     topic.Key.String(),
		Type:      topic.Key.Type,
		Scope:     topic.Key.Scope,
		Checksum:  topic.Checksum,
	}
	env, err := wire.NewEnvelope(wire.EventSyncCheckRequest, req)
	if err != nil {
		return wire.SyncCheckResult{}, err
	}

	ch := make(chan wire.SyncCheckResult, 1)
	a.mu.Lock()
	a.pending[req.RequestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.RequestID)
		a.mu.Unlock()
	}()

	if err := a.send(env); err != nil {
		return wire.SyncCheckResult{}, err
	}

	timer := time.NewTimer(a.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return wire.SyncCheckResult{}, syncerr.Connection("sync check", context.DeadlineExceeded)
	case <-ctx.Done():
		return wire.SyncCheckResult{}, ctx.Err()
	}
}

// HandleResponse delivers a sync_check_response to the waiting check.
// It reports false for unknown or late responses.
func (a *Auditor) HandleResponse(result wire.SyncCheckResult) bool {
	a.mu.Lock()
	ch, ok := a.pending[result.RequestID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
		return true
	default:
		return false
	}
}

// RequestResync asks the server for a full snapshot of key. While an
// earlier request for the same topic is outstanding it does nothing and
// returns false.
func (a *Auditor) RequestResync(key merge.TopicKey) bool {
	now := a.now()

	a.mu.Lock()
	if deadline, ok := a.resyncs[key]; ok && now.Before(deadline) {
		a.mu.Unlock()
		return false
	}
	a.resyncs[key] = now.Add(a.cfg.ResyncTimeout)
	a.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventRequestResync, wire.ResyncRequest{Type: key.Type, Scope: key.Scope})
	if err == nil {
		err = a.send(env)
	}
	if err != nil {
		a.mu.Lock()
		delete(a.resyncs, key)
		a.mu.Unlock()
		a.logger.Warn("resync request failed", zap.String("topic", key.String()), zap.Error(err))
		return false
	}

	a.logger.Info("requested resync", zap.String("topic", key.String()))
	return true
}

// ResyncPending reports whether a resync for key is outstanding.
func (a *Auditor) ResyncPending(key merge.TopicKey) bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	deadline, ok := a.resyncs[key]
	if ok && !now.Before(deadline) {
		delete(a.resyncs, key)
		return false
	}
	return ok
}

// ResyncCompleted clears the in-flight flag once a full snapshot arrived.
func (a *Auditor) ResyncCompleted(key merge.TopicKey) {
	a.mu.Lock()
	delete(a.resyncs, key)
	a.mu.Unlock()
}

// Reset forgets outstanding resyncs. Requests sent on a dropped link will
// never be answered.
func (a *Auditor) Reset() {
	a.mu.Lock()
	a.resyncs = make(map[merge.TopicKey]time.Time)
	a.mu.Unlock()
}

// BreakerState reports the breaker state, e.g. "closed" or "open".
func (a *Auditor) BreakerState() string {
	return a.breaker.State().String()
}
