package dispatch

import (
	"testing"

	"go.uber.org/zap"
)

type testEvent string

func (e testEvent) Name() string { return string(e) }

func TestEmitInRegistrationOrder(t *testing.T) {
	d := New(zap.NewNop())

	var got []int
	d.On("state_updated", func(Event) { got = append(got, 1) })
	d.On("state_updated", func(Event) { got = append(got, 2) })
	d.On("other", func(Event) { got = append(got, 99) })

	d.Emit(testEvent("state_updated"))

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	d := New(zap.NewNop())

	delivered := false
	d.On("boom", func(Event) { panic("listener bug") })
	d.On("boom", func(Event) { delivered = true })

	d.Emit(testEvent("boom"))

	if !delivered {
		t.Error("expected listener after the panicking one to still run")
	}
}

func TestOff(t *testing.T) {
	d := New(zap.NewNop())

	calls := 0
	id := d.On("x", func(Event) { calls++ })
	if !d.Off("x", id) {
		t.Fatal("expected Off to find the listener")
	}
	if d.Off("x", id) {
		t.Error("second Off must report nothing removed")
	}

	d.Emit(testEvent("x"))
	if calls != 0 {
		t.Errorf("expected no calls after Off, got %d", calls)
	}
	if d.Count("x") != 0 {
		t.Errorf("expected no listeners, got %d", d.Count("x"))
	}
}

func TestListenerMayUnsubscribeDuringEmit(t *testing.T) {
	d := New(zap.NewNop())

	var id ListenerID
	calls := 0
	id = d.On("once", func(Event) {
		calls++
		d.Off("once", id)
	})

	d.Emit(testEvent("once"))
	d.Emit(testEvent("once"))

	if calls != 1 {
		t.Errorf("expected one call, got %d", calls)
	}
}
