package callmetrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const drainPollInterval = 5 * time.Millisecond

// Queue is the FIFO handoff between instrumented calls and the persistence
// worker. A snapshot counts as pending from the moment Enqueue accepts it
// until the worker reports it handled through done.
type Queue struct {
	ch             chan Snapshot
	enqueueTimeout time.Duration

	pending  atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64
	refused  atomic.Int64

	// closed is flipped under the write lock so no Enqueue can count itself
	// pending after Close returns.
	closed bool
	mutex  sync.RWMutex
}

// NewQueue creates a queue holding up to size snapshots. When full, Enqueue
// waits up to enqueueTimeout before dropping.
func NewQueue(size int, enqueueTimeout time.Duration) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:             make(chan Snapshot, size),
		enqueueTimeout: enqueueTimeout,
	}
}

// Enqueue offers a snapshot to the worker. It returns ErrQueueClosed after
// Close and ErrQueueFull when the queue stayed full for the enqueue timeout.
func (q *Queue) Enqueue(s Snapshot) error {
	q.mutex.RLock()
	if q.closed {
		q.mutex.RUnlock()
		q.refused.Add(1)
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.mutex.RUnlock()

	select {
	case q.ch <- s:
		q.accepted.Add(1)
		return nil
	default:
	}

	if q.enqueueTimeout > 0 {
		timer := time.NewTimer(q.enqueueTimeout)
		defer timer.Stop()
		select {
		case q.ch <- s:
			q.accepted.Add(1)
			return nil
		case <-timer.C:
		}
	}

	q.pending.Add(-1)
	q.dropped.Add(1)
	return ErrQueueFull
}

// receive exposes the channel the worker drains
func (q *Queue) receive() <-chan Snapshot {
	return q.ch
}

// done marks one received snapshot as handled
func (q *Queue) done() {
	q.pending.Add(-1)
}

// Close stops accepting snapshots. Snapshots already accepted stay queued.
func (q *Queue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()
}

// Closed reports whether Close was called
func (q *Queue) Closed() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.closed
}

// Drain blocks until every accepted snapshot has been handled or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	if q.pending.Load() == 0 {
		return nil
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if q.pending.Load() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Depth returns the number of snapshots waiting in the channel
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Pending returns the number of accepted snapshots not yet handled
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// QueueStats is a point-in-time view of queue accounting
type QueueStats struct {
	Depth    int
	Capacity int
	Pending  int64
	Accepted int64
	Dropped  int64
	Refused  int64
}

// Stats returns the current queue accounting
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
		Pending:  q.pending.Load(),
		Accepted: q.accepted.Load(),
		Dropped:  q.dropped.Load(),
		Refused:  q.refused.Load(),
	}
}
