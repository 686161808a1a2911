// Package dispatch delivers named events to registered listeners.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
)

// Event is anything with a name listeners can subscribe to.
type Event interface {
	Name() string
}

// Listener receives events. It runs on the emitting goroutine.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type entry struct {
	id ListenerID
	fn Listener
}

// Dispatcher fans events out synchronously to listeners in registration
// order. A panicking listener is recovered and the remaining listeners
// still run.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	nextID    ListenerID
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		listeners: make(map[string][]entry),
		logger:    logger,
	}
}

// On registers fn for events named name.
func (d *Dispatcher) On(name string, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[name] = append(d.listeners[name], entry{id: d.nextID, fn: fn})
	return d.nextID
}

// Off removes a registration. It reports whether one was found.
func (d *Dispatcher) Off(name string, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.listeners[name]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.listeners, name)
		} else {
			d.listeners[name] = next
		}
		return true
	}
	return false
}

// Emit delivers ev to every listener registered for its name.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	list := d.listeners[ev.Name()]
	d.mu.RUnlock()

	for _, e := range list {
		d.invoke(ev, e)
	}
}

// Count returns the number of listeners registered for name.
func (d *Dispatcher) Count(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[name])
}

func (d *Dispatcher) invoke(ev Event, e entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.WithLabelValues(ev.Name()).Inc()
			d.logger.Error("listener panicked",
				zap.String("event", ev.Name()),
				zap.Uint64("listener", uint64(e.id)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	e.fn(ev)
}
