package engine

import (
	"sync"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// JobType distinguishes the records a job projects into the index.
type JobType int

const (
	// JobEvent ingests one journal record.
	JobEvent JobType = iota + 1
	// JobNode ingests a committed node document.
	JobNode
	// JobSession ingests a session record.
	JobSession
	// JobNodeRemoved drops a hard-deleted node; only Node.ID is set.
	JobNodeRemoved
)

func (t JobType) String() string {
	switch t {
	case JobEvent:
		return "event"
	case JobNode:
		return "node"
	case JobSession:
		return "session"
	case JobNodeRemoved:
		return "node_removed"
	default:
		return "unknown"
	}
}

// Job is one pending index write. Seq orders jobs within a Recorder.
type Job struct {
	Seq     int64
	Type    JobType
	Event   *ir.Event
	Node    *ir.Node
	Session *ir.Session
}

// jobQueue is a thread-safe FIFO queue for index jobs.
//
// The queue is unbounded so that writers never block on the index: the
// journal append has already succeeded when a job is queued.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
	signal chan struct{} // Signals job availability (buffered, size 1)
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]Job, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	j := q.jobs[0]

	// Clear the slot so the backing array does not pin the payload.
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Wait returns a channel that signals when jobs may be available. It is
// closed once the queue is closed.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Closed reports whether Close has been called.
func (q *jobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes any waiter. Queued jobs can still
// be dequeued.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
