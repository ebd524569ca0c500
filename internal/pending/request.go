// Package pending models one outstanding request and the callers waiting on it.
//
// A Request moves Queued -> InFlight -> Settled. Settlement is one-shot: the
// first Resolve, Reject or Abort wins, every waiter observes that outcome, and
// later calls are no-ops. Piggybacked callers are extra waiters on the same
// Request, so exactly one send serves all of them.
package pending

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a request
type State int32

const (
	StateQueued State = iota
	StateInFlight
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Options describes what a caller asks for
type Options struct {
	URL      string
	Method   string
	Body     interface{}
	Header   http.Header
	Priority int    // higher wins on duplicates
	BatchKey string // empty means the default batch

	// Timeout overrides the coordinator default when positive
	Timeout time.Duration
	// MaxRetries overrides the coordinator default when non-nil
	MaxRetries *int
}

// Request is the unit of work owned by exactly one batch queue
type Request struct {
	ID         uint64
	Key        string
	BatchKey   string
	URL        string
	Method     string
	Body       interface{}
	Header     http.Header
	Priority   int
	MaxRetries int
	Timeout    time.Duration
	CreatedAt  time.Time

	token      *Token
	state      atomic.Int32
	retryCount atomic.Int32

	mu       sync.Mutex
	waiters  []*Future
	settled  bool
	result   *Result
	err      error
	timer    *time.Timer
	onSettle []func(*Request)
	done     chan struct{}
}

// New creates a queued request. Its token derives from parent.
func New(parent context.Context, id uint64, key string, opts Options) *Request {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	header := opts.Header
	if header == nil {
		header = make(http.Header)
	}

	return &Request{
		ID:        id,
		Key:       key,
		BatchKey:  opts.BatchKey,
		URL:       opts.URL,
		Method:    method,
		Body:      opts.Body,
		Header:    header,
		Priority:  opts.Priority,
		Timeout:   opts.Timeout,
		CreatedAt: time.Now(),
		token:     NewToken(parent),
		done:      make(chan struct{}),
	}
}

// Token returns the cancellation token bound to this request
func (r *Request) Token() *Token {
	return r.token
}

// Aborted returns true once the request has been cancelled for any reason
func (r *Request) Aborted() bool {
	return r.token.Cancelled()
}

// State returns the current lifecycle state
func (r *Request) State() State {
	return State(r.state.Load())
}

// MarkInFlight moves a queued request to in-flight. Returns false otherwise.
func (r *Request) MarkInFlight() bool {
	return r.state.CompareAndSwap(int32(StateQueued), int32(StateInFlight))
}

// RetryCount returns the number of retries performed so far
func (r *Request) RetryCount() int {
	return int(r.retryCount.Load())
}

// NextRetry increments the retry counter and returns its new value
func (r *Request) NextRetry() int {
	return int(r.retryCount.Add(1))
}

// StartTimeout arms the per-request timer. When it fires before settlement
// the request is aborted with a *TimeoutError.
func (r *Request) StartTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(d, func() {
		r.Abort(&TimeoutError{Timeout: d, Elapsed: time.Since(r.CreatedAt)})
	})
}

// AddWaiter attaches a caller. Returns false when the request already settled,
// in which case the caller must be served some other way.
func (r *Request) AddWaiter(f *Future) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.waiters = append(r.waiters, f)
	return true
}

// Detach removes one caller and rejects its future with err.
// Returns the number of callers still waiting, or -1 if f was not attached.
func (r *Request) Detach(f *Future, err error) int {
	r.mu.Lock()
	idx := -1
	for i, w := range r.waiters {
		if w == f {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return -1
	}
	r.waiters = append(r.waiters[:idx], r.waiters[idx+1:]...)
	remaining := len(r.waiters)
	r.mu.Unlock()

	f.settle(nil, err)
	return remaining
}

// Waiters returns the number of attached callers
func (r *Request) Waiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// OnSettle registers fn to run after settlement. Runs immediately if already settled.
func (r *Request) OnSettle(fn func(*Request)) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		fn(r)
		return
	}
	r.onSettle = append(r.onSettle, fn)
	r.mu.Unlock()
}

// Resolve settles the request with res
func (r *Request) Resolve(res *Result) bool {
	return r.settle(res, nil)
}

// Reject settles the request with err
func (r *Request) Reject(err error) bool {
	return r.settle(nil, err)
}

// Abort cancels the token with err, telling any in-flight call to stop, and
// settles the request immediately without waiting for the transport.
func (r *Request) Abort(err error) bool {
	r.token.Cancel(err)
	return r.settle(nil, err)
}

func (r *Request) settle(res *Result, err error) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.result = res
	r.err = err
	r.state.Store(int32(StateSettled))
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	waiters := r.waiters
	r.waiters = nil
	hooks := r.onSettle
	r.onSettle = nil
	r.mu.Unlock()

	// release the token's resources; a no-op if Abort already cancelled it
	r.token.Cancel(nil)

	for _, w := range waiters {
		w.settle(res, err)
	}
	close(r.done)
	for _, fn := range hooks {
		fn(r)
	}
	return true
}

// Done is closed once the request settles
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the settled result and error. Only meaningful after Done.
func (r *Request) Outcome() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}
