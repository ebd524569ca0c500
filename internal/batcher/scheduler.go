// Package batcher accumulates pending requests per batch key and flushes them
// when a queue reaches its size limit or its debounce timer fires.
//
// Each key moves EMPTY -> ACCUMULATING -> FLUSHING. Flushing detaches the
// whole queue under the scheduler lock, so arrivals during dispatch open a
// fresh queue under the same key. Detached batches are handed to the
// dispatcher in the order they were detached.
package batcher

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reqcoord/internal/pending"
)

// DefaultKey is used when a request does not name a batch key
const DefaultKey = "default"

// Handler receives detached batches. It must not block for long: sends
// belong on their own goroutines.
type Handler func(b Batch)

// Config holds scheduler limits
type Config struct {
	MaxBatchSize int
	MinDelay     time.Duration
}

// Scheduler owns the batch key -> queue map
type Scheduler struct {
	cfg     Config
	queues  map[string]*Queue
	ready   []Batch
	handler Handler
	logger  zerolog.Logger

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	closed  bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler and starts its dispatch loop
func NewScheduler(cfg Config, handler Handler, logger zerolog.Logger) *Scheduler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	s := &Scheduler{
		cfg:     cfg,
		queues:  make(map[string]*Queue),
		handler: handler,
		logger:  logger.With().Str("component", "batcher").Logger(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Txn is a view of every open queue, valid only inside Update
type Txn struct {
	s       *Scheduler
	touched map[string]bool
}

// Find scans all open queues for a live request with the given request key
func (t *Txn) Find(requestKey string) *pending.Request {
	for _, q := range t.s.queues {
		if r := q.find(requestKey); r != nil {
			return r
		}
	}
	return nil
}

// Remove drops a request from whichever queue holds it
func (t *Txn) Remove(r *pending.Request) bool {
	q := t.s.queues[keyOf(r)]
	if q == nil || !q.remove(r.ID) {
		return false
	}
	if q.IsEmpty() {
		q.stopTimer()
		delete(t.s.queues, q.key)
	}
	return true
}

// Add files a request under its batch key, creating the queue if needed
func (t *Txn) Add(r *pending.Request) {
	key := keyOf(r)
	q := t.s.queues[key]
	if q == nil {
		q = newQueue(key)
		t.s.queues[key] = q
	}
	q.add(r, t.s.cfg.MaxBatchSize)
	t.touched[key] = true
}

// Update runs fn with exclusive access to the queues, then arms timers and
// performs size-triggered flushes for every queue fn added to.
// Returns false without calling fn once the scheduler is closed.
func (s *Scheduler) Update(fn func(tx *Txn)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	tx := &Txn{s: s, touched: make(map[string]bool)}
	fn(tx)

	flushed := false
	for key := range tx.touched {
		q := s.queues[key]
		if q == nil {
			continue
		}
		if len(q.requests) >= s.cfg.MaxBatchSize {
			s.detachLocked(q, ReasonSize)
			flushed = true
			continue
		}
		q.resetTimer(s.cfg.MinDelay, func(gen uint64) {
			s.onTimer(q, gen)
		})
	}
	s.mu.Unlock()

	if flushed {
		s.signal()
	}
	return true
}

// Enqueue files a request without deduplication
func (s *Scheduler) Enqueue(r *pending.Request) bool {
	return s.Update(func(tx *Txn) { tx.Add(r) })
}

// onTimer flushes q if the timer generation is still current
func (s *Scheduler) onTimer(q *Queue, gen uint64) {
	s.mu.Lock()
	if s.queues[q.key] != q || q.gen != gen {
		s.mu.Unlock()
		return
	}
	s.detachLocked(q, ReasonTimer)
	s.mu.Unlock()
	s.signal()
}

// detachLocked removes q from the map and schedules its contents for dispatch
func (s *Scheduler) detachLocked(q *Queue, reason Reason) {
	delete(s.queues, q.key)
	items := q.take()
	if len(items) == 0 {
		return
	}
	s.ready = append(s.ready, Batch{Key: q.key, Requests: items, Reason: reason})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run hands ready batches to the handler in detach order
func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.dispatchReady()
		case <-s.stop:
			s.dispatchReady()
			return
		}
	}
}

func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if len(s.ready) == 0 {
			s.mu.Unlock()
			return
		}
		b := s.ready[0]
		s.ready[0] = Batch{}
		s.ready = s.ready[1:]
		s.mu.Unlock()

		s.logger.Debug().
			Str("batchKey", b.Key).
			Int("requests", len(b.Requests)).
			Str("reason", string(b.Reason)).
			Msg("flushing batch")

		s.handler(b)
	}
}

// Drain empties every queue without dispatching and returns the requests
// that were waiting, in file order per key
func (s *Scheduler) Drain() []*pending.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var drained []*pending.Request
	for _, key := range s.sortedKeysLocked() {
		q := s.queues[key]
		drained = append(drained, q.take()...)
		delete(s.queues, key)
	}
	return drained
}

// FlushAll detaches every open queue for dispatch (for graceful shutdown)
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	for _, key := range s.sortedKeysLocked() {
		s.detachLocked(s.queues[key], ReasonShutdown)
	}
	s.mu.Unlock()
	s.signal()
}

// Close flushes what is queued, waits for the dispatch loop to hand it off
// and rejects further updates
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	for _, key := range s.sortedKeysLocked() {
		s.detachLocked(s.queues[key], ReasonShutdown)
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.stopped
	s.logger.Debug().Msg("batch scheduler closed")
}

// Pending returns the number of non-aborted requests currently queued
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += q.active()
	}
	return n
}

// Keys returns the batch keys with an open queue
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeysLocked()
}

// Len returns the number of requests queued under key
func (s *Scheduler) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[key]; q != nil {
		return len(q.requests)
	}
	return 0
}

func (s *Scheduler) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.queues))
	for key := range s.queues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func keyOf(r *pending.Request) string {
	if r.BatchKey == "" {
		return DefaultKey
	}
	return r.BatchKey
}
