package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// OfflineMessage is an outbound envelope waiting for a usable connection.
type OfflineMessage struct {
	Envelope   *wire.Envelope
	EnqueuedAt time.Time
	Attempts   int
}

// OfflineQueue is a bounded FIFO ring. When full, the oldest message is
// evicted to make room.
type OfflineQueue struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	buf   []OfflineMessage
	head  int
	count int
}

// NewOfflineQueue creates a queue holding at most capacity messages.
func NewOfflineQueue(capacity int, logger *zap.Logger) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineQueue{
		logger: logger,
		now:    time.Now,
		buf:    make([]OfflineMessage, capacity),
	}
}

// Push appends env. It reports whether an older message was evicted.
func (q *OfflineQueue) Push(env *wire.Envelope) bool {
	q.mu.Lock()
	var dropped *OfflineMessage
	if q.count == len(q.buf) {
		old := q.buf[q.head]
		dropped = &old
		q.buf[q.head] = OfflineMessage{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	q.buf[(q.head+q.count)%len(q.buf)] = OfflineMessage{Envelope: env, EnqueuedAt: q.now()}
	q.count++
	depth := q.count
	q.mu.Unlock()

	metrics.OfflineQueueDepth.Set(float64(depth))
	if dropped != nil {
		q.evicted(*dropped)
	}
	return dropped != nil
}

// requeue puts msg back at the head, keeping its place in line. When the
// queue filled up meanwhile, msg is the oldest and is the one evicted.
func (q *OfflineQueue) requeue(msg OfflineMessage) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.mu.Unlock()
		q.evicted(msg)
		return
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = msg
	q.count++
	depth := q.count
	q.mu.Unlock()

	metrics.OfflineQueueDepth.Set(float64(depth))
}

// Pop removes and returns the oldest message.
func (q *OfflineQueue) Pop() (OfflineMessage, bool) {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return OfflineMessage{}, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = OfflineMessage{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	depth := q.count
	q.mu.Unlock()

	metrics.OfflineQueueDepth.Set(float64(depth))
	return msg, true
}

// Len returns the number of queued messages.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *OfflineQueue) Cap() int {
	return len(q.buf)
}

// Snapshot returns the queued messages oldest first.
func (q *OfflineQueue) Snapshot() []OfflineMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OfflineMessage, q.count)
	for i := range out {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// Clear drops every queued message.
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.buf = make([]OfflineMessage, len(q.buf))
	q.head, q.count = 0, 0
	q.mu.Unlock()
	metrics.OfflineQueueDepth.Set(0)
}

func (q *OfflineQueue) evicted(msg OfflineMessage) {
	metrics.OfflineDropped.WithLabelValues("capacity").Inc()
	err := &syncerr.CapacityError{Capacity: len(q.buf), Dropped: msg.Envelope.Event}
	q.logger.Warn("dropped offline message",
		zap.String("id", msg.Envelope.ID),
		zap.Time("enqueued_at", msg.EnqueuedAt),
		zap.Error(err))
}
