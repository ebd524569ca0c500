package batcher

import (
	"time"

	"reqcoord/internal/pending"
)

// Reason tells why a queue was flushed
type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonTimer    Reason = "timer"
	ReasonShutdown Reason = "shutdown"
)

// Batch is a detached queue handed to the dispatcher
type Batch struct {
	Key      string
	Requests []*pending.Request
	Reason   Reason
}

// Queue accumulates requests for one batch key during one scheduling cycle.
// Queues are only touched with the scheduler lock held.
type Queue struct {
	key      string
	requests []*pending.Request
	timer    *time.Timer
	gen      uint64 // bumped on every timer reset so stale callbacks can be ignored
	flushing bool
}

// newQueue creates an empty queue
func newQueue(key string) *Queue {
	return &Queue{
		key:      key,
		requests: make([]*pending.Request, 0),
	}
}

// add appends a request and reports whether the queue reached maxSize
func (q *Queue) add(r *pending.Request, maxSize int) bool {
	q.requests = append(q.requests, r)
	return len(q.requests) >= maxSize
}

// remove drops the request with the given id
func (q *Queue) remove(id uint64) bool {
	for i, r := range q.requests {
		if r.ID == id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

// find returns the first live request with the given request key
func (q *Queue) find(requestKey string) *pending.Request {
	for _, r := range q.requests {
		if r.Key == requestKey && !r.Aborted() {
			return r
		}
	}
	return nil
}

// resetTimer re-arms the debounce timer
func (q *Queue) resetTimer(d time.Duration, onFire func(gen uint64)) {
	if q.flushing {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	q.timer = time.AfterFunc(d, func() { onFire(gen) })
}

// stopTimer stops the flush timer
func (q *Queue) stopTimer() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// take detaches every request for flushing. The queue is never reused.
func (q *Queue) take() []*pending.Request {
	q.flushing = true
	q.stopTimer()
	items := q.requests
	q.requests = nil
	return items
}

// active counts requests that have not been aborted
func (q *Queue) active() int {
	n := 0
	for _, r := range q.requests {
		if !r.Aborted() {
			n++
		}
	}
	return n
}

// IsEmpty returns true if queue has no pending items
func (q *Queue) IsEmpty() bool {
	return len(q.requests) == 0
}
