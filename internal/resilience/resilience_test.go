package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

func envelope(t *testing.T, event string) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(event, map[string]string{"song": event})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func events(msgs []OfflineMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Envelope.Event
	}
	return out
}

func TestQueueEvictsOldest(t *testing.T) {
	q := NewOfflineQueue(3, zap.NewNop())

	for i := 0; i < 7; i++ {
		evicted := q.Push(envelope(t, fmt.Sprintf("e%d", i)))
		if q.Len() > q.Cap() {
			t.Fatalf("queue length %d exceeds capacity %d", q.Len(), q.Cap())
		}
		if evicted != (i >= 3) {
			t.Errorf("push %d: unexpected eviction report %v", i, evicted)
		}
	}

	got := events(q.Snapshot())
	want := []string{"e4", "e5", "e6"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	msg, _ := q.Pop()
	if msg.Envelope.Event != "e4" {
		t.Errorf("expected oldest first, got %s", msg.Envelope.Event)
	}
	q.requeue(msg)
	if got := events(q.Snapshot()); got[0] != "e4" {
		t.Errorf("requeue must restore the head, got %v", got)
	}

	q.Clear()
	if _, ok := q.Pop(); ok || q.Len() != 0 {
		t.Error("expected empty queue after clear")
	}
}

func TestRequeueIntoFullQueueDropsIt(t *testing.T) {
	q := NewOfflineQueue(2, zap.NewNop())
	q.Push(envelope(t, "a"))
	msg, _ := q.Pop()
	q.Push(envelope(t, "b"))
	q.Push(envelope(t, "c"))

	q.requeue(msg)
	if got := events(q.Snapshot()); fmt.Sprint(got) != "[b c]" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestRecordFailureDecisions(t *testing.T) {
	var enabled atomic.Int32
	c := NewController(Config{RetryWindow: 5 * time.Second, MaxRetries: 5, FallbackThreshold: 10},
		Hooks{FallbackEnabled: func(error) { enabled.Add(1) }}, zap.NewNop())
	t.Cleanup(c.Close)

	now := time.Now()
	c.now = func() time.Time { return now }
	connErr := syncerr.Connection("write", errors.New("broken pipe"))

	d := c.RecordFailure("send_request", connErr)
	if !d.Retry || d.Delay <= 0 {
		t.Errorf("first failure must be retried, got %+v", d)
	}

	now = now.Add(time.Second)
	if d := c.RecordFailure("send_request", connErr); d.Retry {
		t.Error("failure inside the retry window must not be retried")
	}

	now = now.Add(5 * time.Second)
	if d := c.RecordFailure("send_request", connErr); !d.Retry {
		t.Error("failure after the retry window must be retried")
	}

	// Past MaxRetries no more retries, even outside the window.
	for i := 0; i < 3; i++ {
		now = now.Add(10 * time.Second)
		c.RecordFailure("send_request", connErr)
	}
	now = now.Add(10 * time.Second)
	if d := c.RecordFailure("send_request", connErr); d.Retry {
		t.Error("retries must stop after MaxRetries")
	}

	// Other keys keep their own budget.
	if d := c.RecordFailure("connect", connErr); !d.Retry {
		t.Error("expected independent budget per key")
	}

	if d := c.RecordFailure("send_request", syncerr.Protocol("oversized", nil)); !d.Drop {
		t.Error("protocol errors must be dropped")
	}

	for i := 0; i < 2; i++ {
		c.RecordFailure("send_request", connErr)
	}
	recs := c.Records()
	if len(recs) != 2 || recs[1].Key != "send_request" || recs[1].Count != 9 {
		t.Fatalf("unexpected records %+v", recs)
	}

	d = c.RecordFailure("send_request", connErr)
	if !d.Escalated || !c.InFallback() {
		t.Errorf("tenth failure must escalate, got %+v", d)
	}
	if d := c.RecordFailure("send_request", connErr); d.Escalated || d.Retry {
		t.Errorf("failures in fallback neither escalate again nor retry, got %+v", d)
	}
	if enabled.Load() != 1 {
		t.Errorf("expected one fallback_enabled, got %d", enabled.Load())
	}

	c.RecordSuccess("connect")
	if len(c.Records()) != 1 {
		t.Error("success must clear the key")
	}
}

func TestFallbackPollsProbe(t *testing.T) {
	var probes atomic.Int32
	c := NewController(Config{PollInterval: 10 * time.Millisecond},
		Hooks{Probe: func(context.Context) { probes.Add(1) }}, zap.NewNop())
	t.Cleanup(c.Close)

	c.EnterFallback(errors.New("gave up"))
	c.EnterFallback(errors.New("again"))

	deadline := time.Now().Add(time.Second)
	for probes.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected periodic probes")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.Recover(context.Background(), func(*wire.Envelope) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := probes.Load()
	time.Sleep(40 * time.Millisecond)
	if probes.Load() > after+1 {
		t.Error("probing must stop after recovery")
	}
}

// Five sends while disconnected are delivered in call order after
// reconnect, spaced by at least the drain delay.
func TestRecoverDrainsInOrderWithSpacing(t *testing.T) {
	const delay = 100 * time.Millisecond

	var disabled []int
	c := NewController(Config{DrainDelay: delay}, Hooks{
		FallbackDisabled: func(delivered, dropped int) { disabled = append(disabled, delivered, dropped) },
	}, zap.NewNop())
	t.Cleanup(c.Close)

	for i := 1; i <= 5; i++ {
		c.Enqueue(envelope(t, fmt.Sprintf("request_%d", i)))
	}
	c.EnterFallback(errors.New("offline"))

	var (
		mu    sync.Mutex
		order []string
		times []time.Time
	)
	delivered, err := c.Recover(context.Background(), func(env *wire.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, env.Event)
		times = append(times, time.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != 5 {
		t.Fatalf("expected 5 delivered, got %d", delivered)
	}

	want := "[request_1 request_2 request_3 request_4 request_5]"
	if fmt.Sprint(order) != want {
		t.Errorf("expected %s, got %v", want, order)
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay-5*time.Millisecond {
			t.Errorf("gap %d is %v, expected at least %v", i, gap, delay)
		}
	}
	if c.InFallback() {
		t.Error("expected fallback to end")
	}
	if fmt.Sprint(disabled) != "[5 0]" {
		t.Errorf("expected fallback_disabled after draining, got %v", disabled)
	}
}

func TestDrainRequeuesAndCapsAttempts(t *testing.T) {
	c := NewController(Config{DrainDelay: time.Millisecond, MaxDeliveryAttempts: 3}, Hooks{}, zap.NewNop())
	t.Cleanup(c.Close)
	c.Enqueue(envelope(t, "first"))
	c.Enqueue(envelope(t, "second"))

	failing := func(*wire.Envelope) error { return syncerr.ErrNotConnected }

	for i := 0; i < 2; i++ {
		delivered, dropped, err := c.Drain(context.Background(), failing)
		if err == nil || delivered != 0 || dropped != 0 {
			t.Fatalf("round %d: expected requeue, got %d %d %v", i, delivered, dropped, err)
		}
		if got := events(c.Queue().Snapshot()); fmt.Sprint(got) != "[first second]" {
			t.Fatalf("round %d: order must be kept, got %v", i, got)
		}
	}
	if c.Queue().Snapshot()[0].Attempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", c.Queue().Snapshot()[0].Attempts)
	}

	// Third failure drops "first"; "second" then fails once and is requeued.
	_, dropped, err := c.Drain(context.Background(), failing)
	if err == nil || dropped != 1 {
		t.Fatalf("expected one drop, got %d %v", dropped, err)
	}
	if got := events(c.Queue().Snapshot()); fmt.Sprint(got) != "[second]" {
		t.Errorf("expected [second], got %v", got)
	}

	delivered, _, err := c.Drain(context.Background(), func(*wire.Envelope) error { return nil })
	if err != nil || delivered != 1 {
		t.Errorf("expected final delivery, got %d %v", delivered, err)
	}
}

func TestDrainStopsOnContext(t *testing.T) {
	c := NewController(Config{DrainDelay: time.Hour}, Hooks{}, zap.NewNop())
	t.Cleanup(c.Close)
	c.Enqueue(envelope(t, "a"))
	c.Enqueue(envelope(t, "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	delivered, _, err := c.Drain(ctx, func(*wire.Envelope) error { return nil })
	if delivered != 1 || err == nil {
		t.Errorf("expected one delivery before the context ended, got %d %v", delivered, err)
	}
	if c.Queue().Len() != 1 {
		t.Errorf("undelivered message must stay queued, got %d", c.Queue().Len())
	}
}

func TestStopPollingKeepsFallbackAndResumes(t *testing.T) {
	var probes atomic.Int32
	c := NewController(Config{PollInterval: 10 * time.Millisecond},
		Hooks{Probe: func(context.Context) { probes.Add(1) }}, zap.NewNop())
	t.Cleanup(c.Close)

	c.Enqueue(envelope(t, "song_requested"))
	c.EnterFallback(errors.New("offline"))
	c.StopPolling()

	before := probes.Load()
	time.Sleep(50 * time.Millisecond)
	if probes.Load() > before+1 {
		t.Error("probing must stop after StopPolling")
	}
	if !c.InFallback() {
		t.Error("StopPolling must not leave fallback mode")
	}
	if c.Queue().Len() != 1 {
		t.Errorf("StopPolling must not drain, queue has %d", c.Queue().Len())
	}

	c.EnterFallback(errors.New("still offline"))
	resumed := probes.Load()
	deadline := time.Now().Add(time.Second)
	for probes.Load() < resumed+2 {
		if time.Now().After(deadline) {
			t.Fatal("expected probing to resume")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A recovery started for a session that already ended must not end a
// fallback entered afterwards.
func TestRecoverWithEndedSessionKeepsFallback(t *testing.T) {
	var probes atomic.Int32
	c := NewController(Config{PollInterval: 10 * time.Millisecond},
		Hooks{Probe: func(context.Context) { probes.Add(1) }}, zap.NewNop())
	t.Cleanup(c.Close)

	session, end := context.WithCancel(context.Background())
	end()

	c.Enqueue(envelope(t, "song_requested"))
	c.EnterFallback(errors.New("offline"))

	var delivered atomic.Int32
	_, err := c.Recover(session, func(*wire.Envelope) error {
		delivered.Add(1)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !c.InFallback() {
		t.Error("expected fallback to stay active")
	}
	if delivered.Load() != 0 || c.Queue().Len() != 1 {
		t.Errorf("expected nothing drained, delivered %d queued %d", delivered.Load(), c.Queue().Len())
	}

	before := probes.Load()
	deadline := time.Now().Add(time.Second)
	for probes.Load() < before+2 {
		if time.Now().After(deadline) {
			t.Fatal("expected polling to continue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
