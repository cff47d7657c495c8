package engine

import (
	"context"
	"sync"
)

// task is one scheduled operation. done is nil for non-blocking schedules.
type task struct {
	ctx  context.Context
	st   *contextState
	fn   func(*Tx) error
	done chan error
}

// serialQueue is a thread-safe FIFO of tasks drained by a single worker
// goroutine.
//
// The queue is unbounded so a non-blocking schedule never waits. A queue may
// be shared by a parent and its ParentQueue children; the task carries the
// state it runs against.
type serialQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{} // closed when the worker exits
}

// newSerialQueue creates a queue and starts its worker.
func newSerialQueue() *serialQueue {
	q := &serialQueue{
		tasks:  make([]task, 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *serialQueue) enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// tryDequeue removes the front task without blocking.
func (q *serialQueue) tryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}

	t := q.tasks[0]

	// Nil the slot so the closure and its captures can be collected.
	q.tasks[0] = task{}

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return t, true
}

// len returns the number of tasks waiting to run.
func (q *serialQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// close stops accepting tasks. Tasks already queued still run; the worker
// exits once they are drained.
func (q *serialQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// isClosed reports whether close has been called.
func (q *serialQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drained returns a channel closed after the worker has run every task
// queued before close.
func (q *serialQueue) drained() <-chan struct{} {
	return q.done
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		if t, ok := q.tryDequeue(); ok {
			q.execute(t)
			continue
		}

		q.mu.Lock()
		if q.closed && len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		<-q.signal
	}
}

func (q *serialQueue) execute(t task) {
	ctx := withQueue(context.WithoutCancel(t.ctx), q)
	err := t.st.runOp(ctx, t.fn)
	if t.done != nil {
		t.done <- err
		return
	}
	if err != nil {
		t.st.logger.Error("non-blocking operation failed",
			"context", t.st.name,
			"error", err,
		)
	}
}

// queueMarker keys the context value recording that the current goroutine
// is executing on a given queue. Nested ops on other queues keep the outer
// markers, so the chain of queues an op runs under is always visible.
type queueMarker struct{ q *serialQueue }

func withQueue(ctx context.Context, q *serialQueue) context.Context {
	return context.WithValue(ctx, queueMarker{q}, true)
}

// onQueue reports whether ctx belongs to an op already running on q.
func onQueue(ctx context.Context, q *serialQueue) bool {
	if ctx == nil {
		return false
	}
	return ctx.Value(queueMarker{q}) != nil
}
