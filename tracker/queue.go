package tracker

import (
	"context"
	"sync"
	"time"

	"mabletask/cdp/models"
)

// Flush reasons reported to the flush callback.
const (
	FlushSize   = "size"
	FlushTimer  = "timer"
	FlushManual = "manual"
	FlushUnload = "unload"
)

// FlushFunc delivers one drained batch. It is called without the queue lock held.
type FlushFunc func(ctx context.Context, events []models.Event, reason string)

type stopper interface {
	Stop() bool
}

// Queue is the in-memory batching buffer. A batch goes out when the queue reaches its size, or
// when the timer armed by the first event into an empty queue fires.
type Queue struct {
	mu      sync.Mutex
	events  []models.Event
	size    int
	timeout time.Duration
	pending stopper
	gen     uint64

	afterFunc func(time.Duration, func()) stopper
	flush     FlushFunc
}

func NewQueue(size int, timeout time.Duration, flush FlushFunc) *Queue {
	return &Queue{
		size:    size,
		timeout: timeout,
		flush:   flush,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Configure changes the thresholds for subsequent pushes. A pending timer keeps its deadline.
func (q *Queue) Configure(size int, timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size > 0 {
		q.size = size
	}
	if timeout > 0 {
		q.timeout = timeout
	}
}

// Push appends e and flushes if the queue is full.
func (q *Queue) Push(ctx context.Context, e models.Event) {
	q.mu.Lock()
	q.events = append(q.events, e)

	var batches [][]models.Event
	for len(q.events) >= q.size {
		batches = append(batches, q.takeLocked(q.size))
	}
	if len(batches) > 0 {
		q.stopTimerLocked()
	}
	if len(q.events) > 0 && q.pending == nil {
		q.armLocked()
	}
	q.mu.Unlock()

	for _, b := range batches {
		q.flush(ctx, b, FlushSize)
	}
}

// Flush drains everything now, in size-bounded batches.
func (q *Queue) Flush(ctx context.Context, reason string) {
	q.mu.Lock()
	q.stopTimerLocked()
	var batches [][]models.Event
	for len(q.events) > 0 {
		batches = append(batches, q.takeLocked(min(q.size, len(q.events))))
	}
	q.mu.Unlock()

	for _, b := range batches {
		q.flush(ctx, b, reason)
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if gen != q.gen {
		// Stopped or superseded after the runtime had already started this callback.
		q.mu.Unlock()
		return
	}
	q.pending = nil
	batch := q.takeLocked(min(q.size, len(q.events)))
	if len(q.events) > 0 {
		q.armLocked()
	}
	q.mu.Unlock()

	if len(batch) > 0 {
		q.flush(context.Background(), batch, FlushTimer)
	}
}

func (q *Queue) takeLocked(n int) []models.Event {
	batch := make([]models.Event, n)
	copy(batch, q.events[:n])
	q.events = append(q.events[:0], q.events[n:]...)
	return batch
}

func (q *Queue) armLocked() {
	q.gen++
	gen := q.gen
	q.pending = q.afterFunc(q.timeout, func() { q.fire(gen) })
}

func (q *Queue) stopTimerLocked() {
	if q.pending != nil {
		q.pending.Stop()
		q.pending = nil
	}
	q.gen++
}
