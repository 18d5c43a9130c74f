package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"charrelay/internal/logging"

	"github.com/google/uuid"
)

// Ticket identifies one admitted caller in an AdmissionQueue.
type Ticket string

type queueEntry struct {
	ticket     Ticket
	callerID   string
	enqueuedAt time.Time
}

// AdmissionQueue serializes backend calls aimed at one character. At most
// one caller holds the turn (the head entry); everyone else waits in FIFO
// order. The queue is bounded: a full queue or an already-queued caller is
// dropped silently, which is intentional backpressure rather than an error
// the user ever sees.
type AdmissionQueue struct {
	mu       sync.Mutex
	entries  []queueEntry
	capacity int

	// Metrics, atomics for lock-free reads.
	totalAdmitted int64
	totalDropped  int64
	totalExpired  int64
}

// NewAdmissionQueue creates a queue with the given capacity. Capacity at
// or below zero falls back to 5.
func NewAdmissionQueue(capacity int) *AdmissionQueue {
	if capacity <= 0 {
		capacity = 5
	}
	return &AdmissionQueue{capacity: capacity}
}

// Enqueue admits a caller and returns its ticket. The second return is
// false when the queue is full or the caller is already waiting; the
// request should then be dropped without a response.
func (q *AdmissionQueue) Enqueue(callerID string) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		atomic.AddInt64(&q.totalDropped, 1)
		logging.DispatchDebug("queue: dropped caller %s: %v", callerID, ErrQueueFull)
		return "", false
	}
	for _, e := range q.entries {
		if e.callerID == callerID {
			atomic.AddInt64(&q.totalDropped, 1)
			logging.DispatchDebug("queue: dropped caller %s: %v", callerID, ErrAlreadyQueued)
			return "", false
		}
	}

	t := Ticket(uuid.NewString())
	q.entries = append(q.entries, queueEntry{
		ticket:     t,
		callerID:   callerID,
		enqueuedAt: time.Now(),
	})
	atomic.AddInt64(&q.totalAdmitted, 1)
	return t, true
}

// IsMyTurn reports whether the ticket holds the head of the queue.
func (q *AdmissionQueue) IsMyTurn(t Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) > 0 && q.entries[0].ticket == t
}

// Release removes a ticket from the queue, wherever it sits. It must run
// under defer so a failed backend call never wedges the head position.
// Releasing an unknown ticket is a no-op.
func (q *AdmissionQueue) Release(t Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ticket == t {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// AwaitTurn blocks until the ticket reaches the head, the wait ceiling
// elapses (ErrTurnTimeout), or the context is cancelled. Bounded polling
// guards against a stuck head-of-line entry.
func (q *AdmissionQueue) AwaitTurn(ctx context.Context, t Ticket, poll, ceiling time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 2 * time.Minute
	}

	deadline := time.Now().Add(ceiling)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if q.IsMyTurn(t) {
			return nil
		}
		if time.Now().After(deadline) {
			atomic.AddInt64(&q.totalExpired, 1)
			return ErrTurnTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Len returns the number of waiting callers, the turn holder included.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// QueueMetrics is a snapshot of admission counters.
type QueueMetrics struct {
	Waiting       int
	Capacity      int
	TotalAdmitted int64
	TotalDropped  int64
	TotalExpired  int64
}

// Metrics returns current counters.
func (q *AdmissionQueue) Metrics() QueueMetrics {
	return QueueMetrics{
		Waiting:       q.Len(),
		Capacity:      q.capacity,
		TotalAdmitted: atomic.LoadInt64(&q.totalAdmitted),
		TotalDropped:  atomic.LoadInt64(&q.totalDropped),
		TotalExpired:  atomic.LoadInt64(&q.totalExpired),
	}
}
