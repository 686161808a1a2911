package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

type fakeServer struct {
	mu       sync.Mutex
	checks   []wire.SyncCheckRequest
	resyncs  []wire.ResyncRequest
	checksum string
	sendErr  error
	silent   bool

	auditor *Auditor
}

func (s *fakeServer) send(env *wire.Envelope) error {
	s.mu.Lock()
	if s.sendErr != nil {
		s.mu.Unlock()
		return s.sendErr
	}

	var reply *wire.SyncCheckResult
	switch env.Event {
	case wire.EventSyncCheckRequest:
		var req wire.SyncCheckRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.mu.Unlock()
			return err
		}
		s.checks = append(s.checks, req)
		if !s.silent {
			reply = &wire.SyncCheckResult{
				RequestID:      req.RequestID,
				Topic:          req.Topic,
				LocalChecksum:  req.Checksum,
				ServerChecksum: s.checksum,
				Matched:        req.Checksum == s.checksum,
			}
		}
	case wire.EventRequestResync:
		var req wire.ResyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.mu.Unlock()
			return err
		}
		s.resyncs = append(s.resyncs, req)
	}
	s.mu.Unlock()

	if reply != nil {
		s.auditor.HandleResponse(*reply)
	}
	return nil
}

func (s *fakeServer) counts() (checks, resyncs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checks), len(s.resyncs)
}

var queue5 = merge.TopicKey{Type: "queue", Scope: "5"}

func newTestAuditor(t *testing.T, cfg Config) (*Auditor, *merge.Store, *fakeServer) {
	t.Helper()
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = time.Millisecond
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 50 * time.Millisecond
	}
	store := merge.NewStore()
	srv := &fakeServer{}
	a := New(cfg, store, srv.send, zap.NewNop())
	srv.auditor = a
	t.Cleanup(a.Stop)
	return a, store, srv
}

func seed(t *testing.T, store *merge.Store, key merge.TopicKey) merge.Topic {
	t.Helper()
	topic, err := store.ApplyFull(key, json.RawMessage(`[{"id":"r1","song":"Dancing Queen"},{"id":"r2","song":"Africa"}]`))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Let the snapshot age past StaleAfter.
	time.Sleep(5 * time.Millisecond)
	return topic
}

func TestMatchedChecksumKeepsCache(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{})
	topic := seed(t, store, queue5)
	srv.checksum = topic.Checksum

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks, resyncs := srv.counts()
	if checks != 1 || resyncs != 0 {
		t.Errorf("expected 1 check and no resync, got %d and %d", checks, resyncs)
	}
	if _, ok := store.Get(queue5); !ok {
		t.Error("matched topic must stay cached")
	}
	if srv.checks[0].Topic != "queue_5" || srv.checks[0].Checksum != topic.Checksum {
		t.Errorf("unexpected request %+v", srv.checks[0])
	}
}

func TestFreshTopicsAreNotChecked(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{StaleAfter: time.Hour})
	seed(t, store, queue5)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checks, _ := srv.counts(); checks != 0 {
		t.Errorf("expected no checks for fresh topics, got %d", checks)
	}
}

// A mismatch on queue_5 clears the cache and issues exactly one resync;
// a repeated cycle before the resync completes issues none.
func TestMismatchClearsCacheAndResyncsOnce(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{})
	seed(t, store, queue5)
	srv.checksum = "0000000000000000"

	var mismatches []merge.TopicKey
	a.OnMismatch(func(key merge.TopicKey, _ wire.SyncCheckResult) {
		mismatches = append(mismatches, key)
	})

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.Get(queue5); ok {
		t.Error("expected queue_5 to be cleared")
	}
	checks, resyncs := srv.counts()
	if checks != 1 || resyncs != 1 {
		t.Fatalf("expected 1 check and 1 resync, got %d and %d", checks, resyncs)
	}
	if srv.resyncs[0] != (wire.ResyncRequest{Type: "queue", Scope: "5"}) {
		t.Errorf("unexpected resync request %+v", srv.resyncs[0])
	}
	if len(mismatches) != 1 || mismatches[0] != queue5 {
		t.Errorf("expected one mismatch callback, got %v", mismatches)
	}
	if !a.ResyncPending(queue5) {
		t.Error("expected resync to be in flight")
	}

	// Stale data for the same topic shows up again before the resync answer.
	seed(t, store, queue5)
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, resyncs := srv.counts(); resyncs != 1 {
		t.Errorf("repeated cycle must not resync again, got %d requests", resyncs)
	}
	if a.RequestResync(queue5) {
		t.Error("explicit request must be suppressed while in flight")
	}

	a.ResyncCompleted(queue5)
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, resyncs := srv.counts(); resyncs != 2 {
		t.Errorf("expected a new resync after completion, got %d", resyncs)
	}
}

func TestResyncFlagExpires(t *testing.T) {
	a, _, srv := newTestAuditor(t, Config{ResyncTimeout: time.Minute})
	now := time.Now()
	a.now = func() time.Time { return now }

	if !a.RequestResync(queue5) {
		t.Fatal("expected first request to be sent")
	}
	if a.RequestResync(queue5) {
		t.Fatal("expected duplicate to be suppressed")
	}

	now = now.Add(time.Minute)
	if !a.RequestResync(queue5) {
		t.Error("expected request after the flag expired")
	}
	if _, resyncs := srv.counts(); resyncs != 2 {
		t.Errorf("expected 2 resync requests, got %d", resyncs)
	}
}

func TestFailedResyncSendCanBeRetried(t *testing.T) {
	a, _, srv := newTestAuditor(t, Config{})
	srv.sendErr = errors.New("not connected")

	if a.RequestResync(queue5) {
		t.Fatal("expected failed send to report false")
	}
	if a.ResyncPending(queue5) {
		t.Error("failed request must not leave the flag set")
	}

	srv.sendErr = nil
	if !a.RequestResync(queue5) {
		t.Error("expected retry to be sent")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{FailureThreshold: 5})
	seed(t, store, queue5)
	srv.sendErr = errors.New("server busy")

	for i := 0; i < 5; i++ {
		if err := a.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", i, err)
		}
	}
	if a.BreakerState() != gobreaker.StateOpen.String() {
		t.Fatalf("expected open breaker, got %s", a.BreakerState())
	}

	srv.mu.Lock()
	srv.sendErr = nil
	srv.mu.Unlock()

	err := a.RunCycle(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open state error, got %v", err)
	}
	if checks, _ := srv.counts(); checks != 0 {
		t.Errorf("no checks may be sent during the cooldown, got %d", checks)
	}
}

func TestUnansweredCheckTimesOut(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{RequestTimeout: 20 * time.Millisecond})
	seed(t, store, queue5)
	srv.silent = true

	start := time.Now()
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("expected the cycle to wait for the request timeout")
	}
	if _, ok := store.Get(queue5); !ok {
		t.Error("a timeout must not clear the cache")
	}
	if a.HandleResponse(wire.SyncCheckResult{RequestID: srv.checks[0].RequestID}) {
		t.Error("late response must be ignored")
	}
}

func TestStartRunsCycles(t *testing.T) {
	a, store, srv := newTestAuditor(t, Config{Interval: 10 * time.Millisecond})
	topic := seed(t, store, queue5)
	srv.checksum = topic.Checksum

	a.Start()
	if !a.Running() {
		t.Fatal("expected auditor to run")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if checks, _ := srv.counts(); checks >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected periodic checks")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Stop()
	if a.Running() {
		t.Error("expected auditor to stop")
	}
}
