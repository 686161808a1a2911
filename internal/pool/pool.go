// Package pool keeps several links to the same endpoint warm, scores their
// health and decides which one carries traffic.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/transport"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// Strategy selects among usable members.
type Strategy string

const (
	HealthBased      Strategy = "health-based"
	RoundRobin       Strategy = "round-robin"
	LeastConnections Strategy = "least-connections"
)

const (
	DefaultSize          = 3
	DefaultUsableFloor   = 50
	DefaultSwitchMargin  = 20
	DefaultCheckInterval = 30 * time.Second
	DefaultLowLatency    = 100 * time.Millisecond
	DefaultHighLatency   = 500 * time.Millisecond

	maxHealth       = 100
	moderateFloor   = 70
	highLatencyBase = 30
)

// Config tunes the pool.
type Config struct {
	Size          int
	Strategy      Strategy
	UsableFloor   int
	SwitchMargin  int
	CheckInterval time.Duration
	LowLatency    time.Duration
	HighLatency   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.Strategy == "" {
		c.Strategy = HealthBased
	}
	if c.UsableFloor <= 0 {
		c.UsableFloor = DefaultUsableFloor
	}
	if c.SwitchMargin <= 0 {
		c.SwitchMargin = DefaultSwitchMargin
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.LowLatency <= 0 {
		c.LowLatency = DefaultLowLatency
	}
	if c.HighLatency <= 0 {
		c.HighLatency = DefaultHighLatency
	}
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case HealthBased, RoundRobin, LeastConnections:
		return Strategy(s), nil
	case "":
		return HealthBased, nil
	default:
		return "", fmt.Errorf("unknown load balance strategy %q", s)
	}
}

// MemberInfo is a point-in-time view of one member.
type MemberInfo struct {
	Generation uint64
	Health     int
	Active     bool
	Connected  bool
	Sends      int
	InFlight   int
	LastAck    time.Time
}

type member struct {
	link      transport.Link
	health    int
	active    bool
	sends     int
	lastAck   time.Time
	probeSeq  uint64
	probeSent time.Time
}

func (m *member) label() string { return strconv.FormatUint(m.link.Generation(), 10) }

// pendingReporter is implemented by links that know how many frames are
// queued but not yet written.
type pendingReporter interface {
	Pending() int
}

func (m *member) inFlight() int {
	if r, ok := m.link.(pendingReporter); ok {
		return r.Pending()
	}
	return 0
}

// Pool implements connection.Provider over several links. At most one
// member is active at any time.
type Pool struct {
	cfg     Config
	dial    transport.DialFunc
	handler transport.Handler
	logger  *zap.Logger

	onSwitch    func(prev, next transport.Link)
	onExhausted func()

	mu       sync.Mutex
	members  []*member
	token    string
	rr       int
	probeSeq uint64
}

// New creates an empty pool. Links it dials report to h.
func New(cfg Config, dial transport.DialFunc, h transport.Handler, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	p := &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
	}
	p.handler = transport.Handler{
		OnMessage: h.OnMessage,
		OnClose: func(l transport.Link, err error) {
			p.MarkDisconnected(l)
			if h.OnClose != nil {
				h.OnClose(l, err)
			}
		},
	}
	return p
}

// OnSwitch registers the callback run when Check moves the active role.
func (p *Pool) OnSwitch(fn func(prev, next transport.Link)) { p.onSwitch = fn }

// OnExhausted registers the callback run when no member is usable.
func (p *Pool) OnExhausted(fn func()) { p.onExhausted = fn }

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Init dials links until the pool holds Size members.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.Size - len(p.members)
	token := p.token
	p.mu.Unlock()
	if need <= 0 {
		return nil
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		links []transport.Link
		errs  []error
	)
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, err := p.dial(ctx, token, p.handler)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			links = append(links, link)
		}()
	}
	wg.Wait()

	sort.Slice(links, func(i, j int) bool { return links[i].Generation() < links[j].Generation() })

	p.mu.Lock()
	for _, l := range links {
		if len(p.members) >= p.cfg.Size {
			defer l.Close()
			continue
		}
		m := &member{link: l, health: maxHealth, lastAck: time.Now()}
		p.members = append(p.members, m)
		metrics.PoolMemberHealth.WithLabelValues(m.label()).Set(float64(m.health))
	}
	total := len(p.members)
	p.mu.Unlock()

	p.logger.Debug("pool initialized",
		zap.Int("dialed", len(links)),
		zap.Int("failed", len(errs)),
		zap.Int("members", total),
	)

	if len(links) == 0 && len(errs) > 0 {
		return dialFailure(errs)
	}
	return nil
}

// dialFailure picks the most meaningful of several dial errors. A credential
// or server close outranks plain connection failures.
func dialFailure(errs []error) error {
	for _, err := range errs {
		if syncerr.Classify(err) == syncerr.KindCredential || errors.Is(err, syncerr.ErrServerClosed) {
			return err
		}
	}
	return errs[0]
}

// Acquire returns the selected member, dialing the pool up first if needed.
func (p *Pool) Acquire(ctx context.Context, token string) (transport.Link, error) {
	p.mu.Lock()
	p.token = token
	if m := p.selectLocked(nil); m != nil {
		p.setActiveLocked(m)
		p.mu.Unlock()
		return m.link, nil
	}
	var stale []transport.Link
	for _, m := range p.members {
		stale = append(stale, m.link)
		metrics.PoolMemberHealth.DeleteLabelValues(m.label())
	}
	p.members = nil
	p.mu.Unlock()

	for _, l := range stale {
		l.Close()
	}

	if err := p.Init(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.selectLocked(nil)
	if m == nil {
		return nil, syncerr.ErrNoUsableLink
	}
	p.setActiveLocked(m)
	return m.link, nil
}

// Failover drops failed and returns the next usable member, or nil.
func (p *Pool) Failover(failed transport.Link) transport.Link {
	p.mu.Lock()
	retired := p.removeLocked(failed)
	m := p.selectLocked(nil)
	if m != nil {
		p.setActiveLocked(m)
	}
	p.mu.Unlock()

	if retired != nil {
		retired.Close()
	}
	if m == nil {
		p.logger.Warn("no usable pooled link to fail over to")
		return nil
	}
	return m.link
}

// Shutdown closes every member.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	members := p.members
	p.members = nil
	p.token = ""
	p.mu.Unlock()

	for _, m := range members {
		metrics.PoolMemberHealth.DeleteLabelValues(m.label())
		m.link.Close()
	}
}

// Close is Shutdown.
func (p *Pool) Close() { p.Shutdown() }

// RecordLatency scores a probe round trip for link.
func (p *Pool) RecordLatency(link transport.Link, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.findLocked(link)
	if m == nil {
		return
	}
	m.lastAck = time.Now()
	m.health = p.score(m.health, rtt)
	metrics.PoolMemberHealth.WithLabelValues(m.label()).Set(float64(m.health))
}

func (p *Pool) score(health int, rtt time.Duration) int {
	switch {
	case rtt < p.cfg.LowLatency:
		return min(maxHealth, health+10)
	case rtt < p.cfg.HighLatency:
		return max(health, moderateFloor)
	default:
		return max(highLatencyBase, health-5)
	}
}

// RecordTimeout marks an unanswered probe.
func (p *Pool) RecordTimeout(link transport.Link) {
	p.zero(link)
}

// MarkDisconnected marks a dead link.
func (p *Pool) MarkDisconnected(link transport.Link) {
	p.zero(link)
}

func (p *Pool) zero(link transport.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.findLocked(link); m != nil {
		m.health = 0
		metrics.PoolMemberHealth.WithLabelValues(m.label()).Set(0)
	}
}

// RecordSend counts a message sent on link. Under least-connections the
// lifetime count breaks ties between members with equal in-flight sends.
func (p *Pool) RecordSend(link transport.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.findLocked(link); m != nil {
		m.sends++
	}
}

// Probe pings every non-active member. A member whose previous probe is
// still unanswered is scored as timed out first.
func (p *Pool) Probe() {
	type target struct {
		link transport.Link
		seq  uint64
	}

	p.mu.Lock()
	var targets []target
	now := time.Now()
	for _, m := range p.members {
		if m.active {
			continue
		}
		if m.probeSeq != 0 {
			m.health = 0
			metrics.PoolMemberHealth.WithLabelValues(m.label()).Set(0)
		}
		p.probeSeq++
		m.probeSeq = p.probeSeq
		m.probeSent = now
		targets = append(targets, target{link: m.link, seq: m.probeSeq})
	}
	p.mu.Unlock()

	for _, t := range targets {
		env, err := wire.NewEnvelope(wire.EventPing, wire.PingPayload{Seq: t.seq, SentAt: now.UnixMilli()})
		if err != nil {
			continue
		}
		if err := t.link.Send(env); err != nil {
			p.logger.Debug("pool probe failed", zap.Uint64("generation", t.link.Generation()), zap.Error(err))
		}
	}
}

// Ack matches a pong from a non-active member to its probe.
func (p *Pool) Ack(link transport.Link, seq uint64) bool {
	p.mu.Lock()
	m := p.findLocked(link)
	if m == nil || m.probeSeq == 0 || m.probeSeq != seq {
		p.mu.Unlock()
		return false
	}
	rtt := time.Since(m.probeSent)
	m.probeSeq = 0
	p.mu.Unlock()

	p.RecordLatency(link, rtt)
	return true
}

// Check compares the active member with the best alternative, switches when
// warranted, retires unhealthy members and dials replacements.
func (p *Pool) Check(ctx context.Context) {
	p.mu.Lock()
	if p.token == "" {
		p.mu.Unlock()
		return
	}
	active := p.activeLocked()
	var prev transport.Link
	if active != nil {
		prev = active.link
	}

	best := p.selectLocked(active)
	var next *member
	switch {
	case best == nil:
	case active == nil || !p.usable(active):
		next = best
	case best.health-active.health >= p.cfg.SwitchMargin:
		next = best
	}
	if next != nil && prev != nil {
		p.setActiveLocked(next)
	}

	var retired []transport.Link
	kept := p.members[:0]
	for _, m := range p.members {
		if !m.active && m.health < p.cfg.UsableFloor {
			retired = append(retired, m.link)
			metrics.PoolMemberHealth.DeleteLabelValues(m.label())
			continue
		}
		kept = append(kept, m)
	}
	p.members = kept
	p.mu.Unlock()

	for _, l := range retired {
		p.logger.Info("retiring unhealthy pooled link", zap.Uint64("generation", l.Generation()))
		l.Close()
	}

	if next != nil && prev != nil {
		metrics.PoolSwitches.Inc()
		p.logger.Info("switching active pooled link",
			zap.Uint64("from", prev.Generation()),
			zap.Uint64("to", next.link.Generation()),
		)
		if p.onSwitch != nil {
			p.onSwitch(prev, next.link)
		}
	}

	if err := p.Init(ctx); err != nil {
		p.logger.Warn("replenishing pool failed", zap.Error(err))
	}

	p.mu.Lock()
	exhausted := p.selectLocked(nil) == nil
	p.mu.Unlock()
	if exhausted {
		p.logger.Warn("connection pool exhausted")
		if p.onExhausted != nil {
			p.onExhausted()
		}
	}
}

// Run probes and checks the pool every CheckInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
			p.Probe()
		}
	}
}

// Members returns a snapshot of the pool.
func (p *Pool) Members() []MemberInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MemberInfo, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, MemberInfo{
			Generation: m.link.Generation(),
			Health:     m.health,
			Active:     m.active,
			Connected:  m.link.Connected(),
			Sends:      m.sends,
			InFlight:   m.inFlight(),
			LastAck:    m.lastAck,
		})
	}
	return out
}

// Active returns the active link or nil.
func (p *Pool) Active() transport.Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.activeLocked(); m != nil {
		return m.link
	}
	return nil
}

func (p *Pool) usable(m *member) bool {
	return m.health >= p.cfg.UsableFloor && m.link.Connected()
}

// selectLocked picks a usable member other than exclude per the strategy.
func (p *Pool) selectLocked(exclude *member) *member {
	var candidates []*member
	for _, m := range p.members {
		if m != exclude && p.usable(m) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case RoundRobin:
		p.rr++
		return candidates[p.rr%len(candidates)]
	case LeastConnections:
		best, bestLoad := candidates[0], candidates[0].inFlight()
		for _, m := range candidates[1:] {
			load := m.inFlight()
			if load < bestLoad || (load == bestLoad && m.sends < best.sends) {
				best, bestLoad = m, load
			}
		}
		return best
	default:
		best := candidates[0]
		for _, m := range candidates[1:] {
			if m.health > best.health {
				best = m
			}
		}
		return best
	}
}

func (p *Pool) setActiveLocked(target *member) {
	for _, m := range p.members {
		m.active = m == target
	}
}

func (p *Pool) activeLocked() *member {
	for _, m := range p.members {
		if m.active {
			return m
		}
	}
	return nil
}

func (p *Pool) findLocked(link transport.Link) *member {
	if link == nil {
		return nil
	}
	for _, m := range p.members {
		if m.link.Generation() == link.Generation() {
			return m
		}
	}
	return nil
}

func (p *Pool) removeLocked(link transport.Link) transport.Link {
	for i, m := range p.members {
		if m.link.Generation() == link.Generation() {
			p.members = append(p.members[:i], p.members[i+1:]...)
			metrics.PoolMemberHealth.DeleteLabelValues(m.label())
			return m.link
		}
	}
	return nil
}
