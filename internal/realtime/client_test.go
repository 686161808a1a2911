package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/audit"
	"github.com/dgnsrekt/karaoke-sync/internal/connection"
	"github.com/dgnsrekt/karaoke-sync/internal/dispatch"
	"github.com/dgnsrekt/karaoke-sync/internal/fakeserver"
	"github.com/dgnsrekt/karaoke-sync/internal/heartbeat"
	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/pool"
	"github.com/dgnsrekt/karaoke-sync/internal/resilience"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/transport"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

var queue5 = merge.TopicKey{Type: "queue", Scope: "5"}

type harness struct {
	server *fakeserver.Server
	url    string
}

func newHarness(t *testing.T, cfg fakeserver.Config) *harness {
	t.Helper()
	s, err := fakeserver.New(cfg)
	if err != nil {
		t.Fatalf("fakeserver.New: %v", err)
	}
	ts := httptest.NewServer(fakeserver.NewRouter(s, nil, zap.NewNop(), nil))
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &harness{server: s, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (h *harness) client(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.URL = h.url
	if opts.Connection.BaseDelay == 0 {
		opts.Connection = connection.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, ConnectTimeout: 2 * time.Second}
	}
	if opts.Resilience.DrainDelay == 0 {
		opts.Resilience.DrainDelay = 5 * time.Millisecond
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func collect(c *Client, name string) <-chan dispatch.Event {
	ch := make(chan dispatch.Event, 64)
	c.On(name, func(ev dispatch.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan dispatch.Event, what string) dispatch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tk"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestJoinMergesSnapshotAndDeltas(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	h.server.PublishFull(queue5, "queue_updated", json.RawMessage(`[{"id":"a","song":"Jolene"}]`))

	c := h.client(t, Options{})
	updates := collect(c, "queue_updated")
	connect(t, c)

	if err := c.Join("5"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	full := waitFor(t, updates, "snapshot").(TopicUpdate)
	if full.Mode != wire.ModeFull || len(full.Items) != 1 {
		t.Fatalf("unexpected snapshot %+v", full)
	}

	pos := 0
	server, err := h.server.PublishDelta(queue5, "queue_updated", []wire.DeltaChange{
		{Action: wire.ActionAdd, ItemID: "b", Payload: map[string]any{"song": "Wannabe"}, Position: &pos},
		{Action: wire.ActionUpdate, ItemID: "a", Payload: map[string]any{"singer": "Dee"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	delta := waitFor(t, updates, "delta").(TopicUpdate)
	if delta.Mode != wire.ModeIncremental || delta.Checksum != server.Checksum {
		t.Errorf("unexpected delta %+v, server checksum %s", delta, server.Checksum)
	}
	local, ok := c.Topic(queue5)
	if !ok || len(local.Items) != 2 || merge.ItemID(local.Items[0]) != "b" || local.Items[1]["singer"] != "Dee" {
		t.Errorf("unexpected cache %+v", local.Items)
	}
}

func TestQueuedSendsAreDeliveredInOrder(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	h.server.OnEvent(func(subject string, env *wire.Envelope) {
		var p struct{ N int }
		json.Unmarshal(env.Payload, &p)
		mu.Lock()
		got = append(got, p.N)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	c := h.client(t, Options{})
	for i := 1; i <= 5; i++ {
		if err := c.Send("song_requested", map[string]int{"n": i}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if c.QueueLen() != 5 {
		t.Fatalf("expected 5 queued, got %d", c.QueueLen())
	}

	connect(t, c)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("queued messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("delivered out of order: %v", got)
		}
	}
	if c.QueueLen() != 0 {
		t.Errorf("queue not drained: %d", c.QueueLen())
	}
}

func TestRejectedCredentialGivesUp(t *testing.T) {
	h := newHarness(t, fakeserver.Config{Authenticate: fakeserver.StaticTokens("good")})
	c := h.client(t, Options{})
	rejected := collect(c, EventCredentialRejected)

	err := c.Connect(context.Background(), "bad")
	var ce *syncerr.CredentialError
	if !errors.As(err, &ce) || ce.Code != wire.CodeUnauthorized {
		t.Fatalf("expected unauthorized credential error, got %v", err)
	}
	waitFor(t, rejected, "credential_rejected")
	if c.State() != connection.StateGivenUp {
		t.Errorf("expected given up, got %v", c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.UpdateCredential(ctx, "good"); err != nil {
		t.Fatalf("UpdateCredential: %v", err)
	}
	if c.State() != connection.StateConnected {
		t.Errorf("expected connected, got %v", c.State())
	}
}

func TestServerCloseIsFinal(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	c := h.client(t, Options{})
	closed := collect(c, EventServerClosed)
	reconnecting := collect(c, EventReconnecting)
	connect(t, c)

	h.server.CloseAll("maintenance")

	ev := waitFor(t, closed, "server_closed").(ServerClosed)
	if !errors.Is(ev.Err, syncerr.ErrServerClosed) {
		t.Errorf("unexpected error %v", ev.Err)
	}
	select {
	case <-reconnecting:
		t.Error("server close must not schedule a reconnect")
	case <-time.After(100 * time.Millisecond):
	}
	if c.State() != connection.StateGivenUp {
		t.Errorf("expected given up, got %v", c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.ResetConnection(ctx); err != nil {
		t.Fatalf("ResetConnection: %v", err)
	}
}

func TestDroppedLinkReconnectsAndRejoins(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	h.server.PublishFull(queue5, "queue_updated", json.RawMessage(`[]`))

	c := h.client(t, Options{})
	connected := collect(c, EventConnected)
	reconnecting := collect(c, EventReconnecting)
	updates := collect(c, "queue_updated")

	connect(t, c)
	waitFor(t, connected, "first connect")
	c.Join("5")
	waitFor(t, updates, "initial snapshot")

	h.server.DropAll()

	waitFor(t, reconnecting, "reconnecting")
	waitFor(t, connected, "reconnect")
	if full := waitFor(t, updates, "snapshot after rejoin").(TopicUpdate); full.Mode != wire.ModeFull {
		t.Errorf("expected full snapshot after rejoin, got %s", full.Mode)
	}
}

func TestHeartbeatStallForcesReconnect(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	c := h.client(t, Options{
		Heartbeat: heartbeat.Config{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond},
	})
	connected := collect(c, EventConnected)
	disconnected := collect(c, EventDisconnected)
	connect(t, c)
	waitFor(t, connected, "connect")

	h.server.SetSilent(true)
	waitFor(t, disconnected, "stall disconnect")
	h.server.SetSilent(false)
	waitFor(t, connected, "reconnect after stall")
}

func TestAuditRepairsDrift(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	h.server.PublishFull(queue5, "queue_updated", json.RawMessage(`[{"id":"a"},{"id":"b"}]`))

	c := h.client(t, Options{Audit: audit.Config{StaleAfter: time.Millisecond}})
	updates := collect(c, "queue_updated")
	mismatches := collect(c, EventIntegrityMismatch)
	connect(t, c)
	c.Join("5")
	waitFor(t, updates, "snapshot")

	drifted, _ := h.server.Overwrite(queue5, json.RawMessage(`[{"id":"a"},{"id":"b"},{"id":"c"}]`))
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.RunAudit(ctx); err != nil {
		t.Fatalf("RunAudit: %v", err)
	}

	mm := waitFor(t, mismatches, "integrity_mismatch").(IntegrityMismatch)
	if mm.ServerChecksum != drifted.Checksum {
		t.Errorf("unexpected mismatch %+v", mm)
	}
	repaired := waitFor(t, updates, "resync snapshot").(TopicUpdate)
	if repaired.Checksum != drifted.Checksum || len(repaired.Items) != 3 {
		t.Errorf("cache not repaired: %+v", repaired)
	}
}

func TestCorruptDeltaTriggersResync(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	h.server.PublishFull(queue5, "queue_updated", json.RawMessage(`[{"id":"a"}]`))

	c := h.client(t, Options{})
	updates := collect(c, "queue_updated")
	mismatches := collect(c, EventIntegrityMismatch)
	connect(t, c)
	c.Join("5")
	waitFor(t, updates, "snapshot")

	// The server moves on without telling the client, so the next delta
	// produces a checksum the client cannot reach.
	h.server.Overwrite(queue5, json.RawMessage(`[{"id":"a"},{"id":"x"}]`))
	server, err := h.server.PublishDelta(queue5, "queue_updated", []wire.DeltaChange{{Action: wire.ActionDelete, ItemID: "a"}})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, mismatches, "integrity_mismatch")
	repaired := waitFor(t, updates, "resync snapshot").(TopicUpdate)
	if repaired.Mode != wire.ModeFull || repaired.Checksum != server.Checksum {
		t.Errorf("unexpected repair %+v", repaired)
	}
}

func TestPooledClientReceivesUpdates(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	h.server.PublishFull(queue5, "queue_updated", json.RawMessage(`[]`))

	c := h.client(t, Options{
		PoolEnabled: true,
		Pool:        pool.Config{Size: 2, CheckInterval: time.Hour},
	})
	updates := collect(c, "queue_updated")
	connect(t, c)

	if n := len(c.PoolMembers()); n != 2 {
		t.Fatalf("expected 2 pool members, got %d", n)
	}
	c.Join("5")
	waitFor(t, updates, "snapshot")

	h.server.PublishDelta(queue5, "queue_updated", []wire.DeltaChange{{Action: wire.ActionAdd, ItemID: "a", Payload: map[string]any{"song": "Zombie"}}})
	u := waitFor(t, updates, "delta").(TopicUpdate)
	if len(u.Items) != 1 {
		t.Errorf("unexpected items %+v", u.Items)
	}
	select {
	case extra := <-updates:
		t.Errorf("standby link delivered a duplicate: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRejectsControlEvents(t *testing.T) {
	c, err := NewClient(Options{URL: "ws://127.0.0.1:1/ws", Resilience: resilience.Config{}})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Send(wire.EventPing, nil)
	if syncerr.Classify(err) != syncerr.KindProtocol {
		t.Errorf("expected protocol error, got %v", err)
	}
	if err := c.Send(wire.JoinEvent("5"), nil); err == nil {
		t.Error("join events must go through Join")
	}
	if err := c.Join(""); err == nil {
		t.Error("expected error for empty scope")
	}
	if _, err := NewClient(Options{}); err == nil {
		t.Error("expected error without URL")
	}
}

func TestDuplicateUpdatesAreDropped(t *testing.T) {
	ids := newRecentIDs(2)
	if ids.seen("a") || ids.seen("b") {
		t.Fatal("fresh ids reported as seen")
	}
	if !ids.seen("a") {
		t.Error("expected a to be remembered")
	}
	ids.seen("c") // evicts a
	if ids.seen("a") {
		t.Error("expected a to be evicted")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectStopsFallbackPolling(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	c := h.client(t, Options{Resilience: resilience.Config{PollInterval: 20 * time.Millisecond}})
	connect(t, c)
	time.Sleep(50 * time.Millisecond)

	c.resilience.EnterFallback(errors.New("offline"))
	c.Disconnect()
	time.Sleep(200 * time.Millisecond)
	if s := c.State(); s != connection.StateDisconnected {
		t.Fatalf("expected to stay disconnected, got %s", s)
	}

	// Fallback entered after the disconnect polls again but must not
	// reconnect either.
	c.resilience.EnterFallback(errors.New("still offline"))
	time.Sleep(200 * time.Millisecond)
	if s := c.State(); s != connection.StateDisconnected {
		t.Fatalf("expected to stay disconnected, got %s", s)
	}

	connect(t, c)
	waitUntil(t, "fallback to end", func() bool { return !c.InFallback() })
}

func TestEndedSessionDoesNotClearFallback(t *testing.T) {
	h := newHarness(t, fakeserver.Config{})
	c := h.client(t, Options{Resilience: resilience.Config{PollInterval: time.Hour}})
	connect(t, c)

	c.Disconnect()
	c.resilience.EnterFallback(errors.New("offline"))

	time.Sleep(100 * time.Millisecond)
	if !c.InFallback() {
		t.Error("expected fallback to stay active after the session ended")
	}
}

var flakyGen atomic.Uint64

// flakyLink fails its first sends and records the domain events it accepts.
type flakyLink struct {
	gen    uint64
	fails  atomic.Int32
	closed atomic.Bool

	mu   sync.Mutex
	sent []string
}

func (l *flakyLink) Generation() uint64   { return l.gen }
func (l *flakyLink) ID() string           { return "flaky" }
func (l *flakyLink) CreatedAt() time.Time { return time.Time{} }
func (l *flakyLink) Connected() bool      { return !l.closed.Load() }

func (l *flakyLink) Send(env *wire.Envelope) error {
	if l.closed.Load() {
		return syncerr.ErrNotConnected
	}
	if env.Event == wire.EventPing {
		return nil
	}
	if l.fails.Add(-1) >= 0 {
		return syncerr.Connection("send", errors.New("write failed"))
	}
	l.mu.Lock()
	l.sent = append(l.sent, env.Event)
	l.mu.Unlock()
	return nil
}

func (l *flakyLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *flakyLink) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

type flakyDialer struct {
	fails int32

	mu    sync.Mutex
	links []*flakyLink
}

func (d *flakyDialer) dial(context.Context, string, transport.Handler) (transport.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &flakyLink{gen: flakyGen.Add(1)}
	l.fails.Store(d.fails)
	d.links = append(d.links, l)
	return l, nil
}

func (d *flakyDialer) last() *flakyLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

func flakyClient(t *testing.T, d *flakyDialer, res resilience.Config) *Client {
	t.Helper()
	if res.DrainDelay == 0 {
		res.DrainDelay = 5 * time.Millisecond
	}
	c, err := NewClient(Options{
		Dial:       d.dial,
		Connection: connection.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, ConnectTimeout: 2 * time.Second},
		Resilience: res,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestFailedSendIsDeliveredOnHealthyLink(t *testing.T) {
	d := &flakyDialer{fails: 2}
	c := flakyClient(t, d, resilience.Config{RetryBase: 20 * time.Millisecond, RetryMax: 50 * time.Millisecond})
	connect(t, c)
	time.Sleep(50 * time.Millisecond) // let the connect-time drain finish

	if err := c.Send("song_requested", map[string]string{"song": "Jolene"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	link := d.last()
	waitUntil(t, "queued send to be delivered", func() bool { return len(link.events()) == 1 })
	if got := link.events(); got[0] != "song_requested" {
		t.Errorf("unexpected delivery %v", got)
	}
	if n := c.QueueLen(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if s := c.State(); s != connection.StateConnected {
		t.Errorf("expected to stay connected, got %s", s)
	}
}

func TestRetryDoesNotBypassQueue(t *testing.T) {
	d := &flakyDialer{fails: 1}
	c := flakyClient(t, d, resilience.Config{
		RetryBase:    150 * time.Millisecond,
		RetryMax:     300 * time.Millisecond,
		PollInterval: time.Hour,
	})
	connect(t, c)
	time.Sleep(50 * time.Millisecond) // let the connect-time drain finish

	if err := c.Send("first", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c.resilience.EnterFallback(errors.New("maintenance"))
	if err := c.Send("second", map[string]int{"n": 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The retry of "first" fires while "second" is waiting.
	time.Sleep(400 * time.Millisecond)
	link := d.last()
	if got := link.events(); len(got) != 0 {
		t.Fatalf("nothing may be delivered during fallback, got %v", got)
	}
	if n := c.QueueLen(); n != 2 {
		t.Fatalf("expected 2 queued, got %d", n)
	}

	delivered, err := c.resilience.Recover(c.session(), c.deliver)
	if err != nil || delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d %v", delivered, err)
	}
	if got := link.events(); strings.Join(got, ",") != "second,first" {
		t.Errorf("expected the retry behind the queued message, got %v", got)
	}
}
