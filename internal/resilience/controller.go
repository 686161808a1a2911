// Package resilience decides how failures are handled: retry, fall back to
// reconnect polling, or drop. It owns the offline queue and drains it when
// the connection recovers.
package resilience

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/karaoke-sync/internal/connection"
	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	DefaultRetryWindow         = 5 * time.Second
	DefaultMaxRetries          = 5
	DefaultFallbackThreshold   = 10
	DefaultPollInterval        = 30 * time.Second
	DefaultDrainDelay          = 100 * time.Millisecond
	DefaultQueueCapacity       = 100
	DefaultMaxDeliveryAttempts = 3
	DefaultRetryBase           = 500 * time.Millisecond
	DefaultRetryMax            = 10 * time.Second
)

// Config holds retry budgets, fallback and offline queue settings.
type Config struct {
	RetryWindow         time.Duration
	MaxRetries          int
	FallbackThreshold   int
	PollInterval        time.Duration
	DrainDelay          time.Duration
	QueueCapacity       int
	MaxDeliveryAttempts int
	RetryBase           time.Duration
	RetryMax            time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryWindow <= 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.FallbackThreshold <= 0 {
		c.FallbackThreshold = DefaultFallbackThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = DefaultDrainDelay
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
}

// ErrorRecord counts failures for one context key such as "connect" or
// "send_<event>".
type ErrorRecord struct {
	Key            string
	Count          int
	LastOccurredAt time.Time
}

// Decision is the controller's verdict on one failure.
type Decision struct {
	Retry     bool
	Delay     time.Duration
	Drop      bool
	Escalated bool
}

// Hooks connect the controller to the client.
type Hooks struct {
	// Probe attempts to re-establish the connection while in fallback.
	Probe func(ctx context.Context)
	// FallbackEnabled is called once when fallback mode starts.
	FallbackEnabled func(reason error)
	// FallbackDisabled is called after recovery drained the queue.
	FallbackDisabled func(delivered, dropped int)
}

// DeliverFunc sends one queued envelope.
type DeliverFunc func(env *wire.Envelope) error

// Controller is safe for concurrent use.
type Controller struct {
	cfg    Config
	hooks  Hooks
	queue  *OfflineQueue
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	records  map[string]*ErrorRecord
	fallback bool
	stopPoll context.CancelFunc

	drainMu sync.Mutex
	limiter *rate.Limiter
}

// NewController creates a Controller with an empty offline queue.
func NewController(cfg Config, hooks Hooks, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Controller{
		cfg:     cfg,
		hooks:   hooks,
		queue:   NewOfflineQueue(cfg.QueueCapacity, logger),
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*ErrorRecord),
		limiter: rate.NewLimiter(rate.Every(cfg.DrainDelay), 1),
	}
}

// Queue returns the offline queue.
func (c *Controller) Queue() *OfflineQueue {
	return c.queue
}

// Enqueue stores env for later delivery.
func (c *Controller) Enqueue(env *wire.Envelope) {
	c.queue.Push(env)
}

// RecordFailure classifies err under key and decides what to do next.
// Protocol errors are dropped. Other failures may be retried once the
// retry window since the previous failure has passed, up to MaxRetries.
// Reaching FallbackThreshold escalates to fallback mode.
func (c *Controller) RecordFailure(key string, err error) Decision {
	if syncerr.Classify(err) == syncerr.KindProtocol {
		c.logger.Warn("dropping after protocol error", zap.String("key", key), zap.Error(err))
		return Decision{Drop: true}
	}

	now := c.now()
	c.mu.Lock()
	rec, ok := c.records[key]
	if !ok {
		rec = &ErrorRecord{Key: key}
		c.records[key] = rec
	}
	prev := rec.LastOccurredAt
	rec.Count++
	rec.LastOccurredAt = now
	count := rec.Count

	escalate := count >= c.cfg.FallbackThreshold && !c.fallback
	inFallback := c.fallback || escalate
	c.mu.Unlock()

	if escalate {
		c.EnterFallback(err)
		return Decision{Escalated: true}
	}
	if inFallback {
		return Decision{}
	}

	eligible := prev.IsZero() || now.Sub(prev) >= c.cfg.RetryWindow
	if !eligible || count > c.cfg.MaxRetries {
		return Decision{}
	}
	return Decision{
		Retry: true,
		Delay: connection.Backoff(count-1, c.cfg.RetryBase, c.cfg.RetryMax, rand.Float64),
	}
}

// RecordSuccess clears the failure history for key.
func (c *Controller) RecordSuccess(key string) {
	c.mu.Lock()
	delete(c.records, key)
	c.mu.Unlock()
}

// Records returns the failure history sorted by key.
func (c *Controller) Records() []ErrorRecord {
	c.mu.Lock()
	out := make([]ErrorRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// InFallback reports whether fallback mode is active.
func (c *Controller) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// EnterFallback suspends real-time delivery and starts polling the
// reconnect probe. It is a no-op while already in fallback and polling;
// polling stopped by StopPolling is resumed.
func (c *Controller) EnterFallback(reason error) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.fallback {
		resume := c.stopPoll == nil
		if resume {
			c.stopPoll = cancel
		}
		c.mu.Unlock()
		if !resume {
			cancel()
			return
		}
		c.logger.Debug("resuming fallback polling", zap.Error(reason))
		go c.poll(ctx)
		return
	}
	c.fallback = true
	c.stopPoll = cancel
	c.mu.Unlock()

	metrics.FallbackMode.Set(1)
	c.logger.Warn("entering fallback mode",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Error(reason))

	if c.hooks.FallbackEnabled != nil {
		c.hooks.FallbackEnabled(reason)
	}
	go c.poll(ctx)
}

func (c *Controller) poll(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.hooks.Probe != nil {
				c.logger.Debug("fallback probe")
				c.hooks.Probe(ctx)
			}
		}
	}
}

// Recover leaves fallback mode and drains the offline queue through
// deliver, oldest first, spacing messages by DrainDelay. When fallback was
// active, FallbackDisabled is called once the queue is drained.
//
// A done ctx belongs to a session that has already ended, so Recover
// returns its error and leaves fallback state untouched.
func (c *Controller) Recover(ctx context.Context, deliver DeliverFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	wasFallback := c.fallback
	c.fallback = false
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
	c.records = make(map[string]*ErrorRecord)
	c.mu.Unlock()

	if wasFallback {
		metrics.FallbackMode.Set(0)
		c.logger.Info("leaving fallback mode", zap.Int("queued", c.queue.Len()))
	}

	delivered, dropped, err := c.Drain(ctx, deliver)
	if wasFallback && c.hooks.FallbackDisabled != nil {
		c.hooks.FallbackDisabled(delivered, dropped)
	}
	return delivered, err
}

// Drain delivers queued messages oldest first. A failed delivery is put
// back at the head and stops the drain; after MaxDeliveryAttempts the
// message is dropped instead. Concurrent drains are serialized and share
// one pacing limiter, so a drain started while another runs picks up
// whatever was queued behind it.
func (c *Controller) Drain(ctx context.Context, deliver DeliverFunc) (delivered, dropped int, err error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	for {
		msg, ok := c.queue.Pop()
		if !ok {
			return delivered, dropped, nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.queue.requeue(msg)
			return delivered, dropped, err
		}

		if err := deliver(msg.Envelope); err != nil {
			msg.Attempts++
			if msg.Attempts >= c.cfg.MaxDeliveryAttempts || syncerr.Classify(err) == syncerr.KindProtocol {
				dropped++
				metrics.OfflineDropped.WithLabelValues("attempts").Inc()
				c.logger.Warn("dropped offline message",
					zap.String("event", msg.Envelope.Event),
					zap.Int("attempts", msg.Attempts),
					zap.Error(err))
				continue
			}
			c.queue.requeue(msg)
			return delivered, dropped, err
		}
		delivered++
	}
}

// Draining reports whether a drain is in progress.
func (c *Controller) Draining() bool {
	if c.drainMu.TryLock() {
		c.drainMu.Unlock()
		return false
	}
	return true
}

// StopPolling halts the fallback poll loop without leaving fallback mode or
// draining the queue. A later EnterFallback resumes polling.
func (c *Controller) StopPolling() {
	c.mu.Lock()
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
	c.mu.Unlock()
}

// Close stops the fallback poll loop.
func (c *Controller) Close() {
	c.StopPolling()
}
