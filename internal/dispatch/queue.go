// Package dispatch provides the serialized execution contexts the session layer runs on.
//
// A Queue drains posted tasks one at a time on a single named goroutine, so that
// everything posted to the same Queue observes a total order and never races with
// itself. Session state, delegate tables and watchdog bookkeeping all live on the
// "main" queue; the scanner uses a second queue as its background worker.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/groutine"
)

type task struct {
	name string
	fn   func()
}

// Queue is an unbounded FIFO of tasks executed on a dedicated goroutine.
// Post never blocks the caller.
type Queue struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []task
	closed bool

	gid  atomic.Uint64
	done chan struct{}
}

// New creates a queue and starts its drain goroutine.
func New(name string, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}

	q := &Queue{
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	started := make(chan struct{})
	groutine.Go(context.Background(), name, func(ctx context.Context) {
		q.gid.Store(groutine.GetGID())
		close(started)
		q.loop()
	})
	<-started

	return q
}

// Name returns the queue name used for goroutine labels and logs.
func (q *Queue) Name() string {
	return q.name
}

// Post enqueues fn. Returns false if the queue is already closed.
func (q *Queue) Post(name string, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.WithFields(logrus.Fields{
			"queue": q.name,
			"task":  name,
		}).Debug("Dropping task posted to closed queue")
		return false
	}

	q.tasks = append(q.tasks, task{name: name, fn: fn})
	q.cond.Signal()
	return true
}

// Sync runs fn on the queue and waits for it to finish.
// Called from the queue goroutine itself, fn runs inline.
func (q *Queue) Sync(name string, fn func()) bool {
	if q.IsCurrent() {
		q.run(task{name: name, fn: fn})
		return true
	}

	finished := make(chan struct{})
	if !q.Post(name, func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// IsCurrent reports whether the caller is running on this queue's goroutine.
func (q *Queue) IsCurrent() bool {
	return q.gid.Load() == groutine.GetGID()
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks, drains what is already queued and waits for the
// drain goroutine to exit. Close from inside a task does not wait.
func (q *Queue) Close() {
	q.Stop()
	if q.IsCurrent() {
		return
	}
	<-q.done
}

// Stop stops accepting tasks and lets the queue drain in the background.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Done is closed once the drain goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(t)
	}
}

// run executes a task, keeping a panicking callback from taking the queue down.
func (q *Queue) run(t task) {
	if err := groutine.Safe(t.name, t.fn); err != nil {
		fields := logrus.Fields{
			"queue": q.name,
			"task":  t.name,
			"error": err,
		}
		if perr, ok := err.(*groutine.PanicError); ok {
			fields["stack"] = string(perr.Stack)
		}
		q.logger.WithFields(fields).Error("Recovered panic in queued task")
	}
}
