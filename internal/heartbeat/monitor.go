// Package heartbeat probes the active connection and detects stalls.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Config sets probe cadence and the stall timeout.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ProbeFunc sends one liveness probe.
type ProbeFunc func(seq uint64, sentAt time.Time) error

// Monitor sends a probe every interval and calls onStall once when no
// acknowledgment arrived within the timeout.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]time.Time
	lastAck time.Time
	done    chan struct{}
}

// New creates a stopped Monitor.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		pending: make(map[uint64]time.Time),
	}
}

// Start begins probing. A running monitor is restarted.
func (m *Monitor) Start(probe ProbeFunc, onStall func()) {
	m.mu.Lock()
	if m.done != nil {
		close(m.done)
	}
	done := make(chan struct{})
	m.done = done
	m.lastAck = m.now()
	m.pending = make(map[uint64]time.Time)
	m.mu.Unlock()

	go m.run(done, probe, onStall)
}

// Stop halts probing. It does not wait for the probe goroutine, so it is
// safe to call from onStall.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

// Running reports whether the monitor is probing.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// Ack records the acknowledgment of probe seq and returns its round trip.
func (m *Monitor) Ack(seq uint64) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sentAt, ok := m.pending[seq]
	if !ok {
		return 0, false
	}
	now := m.now()
	for s := range m.pending {
		if s <= seq {
			delete(m.pending, s)
		}
	}
	m.lastAck = now

	rtt := now.Sub(sentAt)
	metrics.HeartbeatRTT.Observe(rtt.Seconds())
	return rtt, true
}

// LastAck returns the time of the most recent acknowledgment.
func (m *Monitor) LastAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

func (m *Monitor) run(done chan struct{}, probe ProbeFunc, onStall func()) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.done != done {
			m.mu.Unlock()
			return
		}
		now := m.now()
		silent := now.Sub(m.lastAck)
		if silent > m.cfg.Timeout {
			close(done)
			m.done = nil
			m.mu.Unlock()

			m.logger.Warn("heartbeat stalled", zap.Duration("since_last_ack", silent))
			onStall()
			return
		}
		m.seq++
		seq := m.seq
		m.pending[seq] = now
		m.mu.Unlock()

		if err := probe(seq, now); err != nil {
			m.logger.Debug("heartbeat probe failed", zap.Uint64("seq", seq), zap.Error(err))
		}
	}
}
