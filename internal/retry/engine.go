// Package retry sends individual requests and re-submits failed attempts
// with exponential backoff until they succeed, run out of retries or are aborted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"reqcoord/internal/cache"
	"reqcoord/internal/metrics"
	"reqcoord/internal/pending"
	"reqcoord/internal/transport"
)

// ErrClosed is returned for requests submitted after Close
var ErrClosed = errors.New("retry engine closed")

// Config holds retry engine configuration
type Config struct {
	RetryDelay    time.Duration // base delay, doubled on every retry
	MaxConcurrent int           // 0 means unlimited
	DebugMode     bool
}

// Engine executes requests with retry logic
type Engine struct {
	sender  transport.Sender
	config  Config
	cache   cache.Cache
	metrics *metrics.Collector
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	queue  []*pending.Request
	wake   chan struct{}
	closed bool
	mu     sync.Mutex

	active  sync.WaitGroup
	stop    chan struct{}
	stopped chan struct{}
}

// Option configures an Engine
type Option func(*Engine)

// WithCache serves cacheable requests from c and stores their successful replies
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records sends and retries on m
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine and starts its work loop
func NewEngine(sender transport.Sender, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		sender:  sender,
		config:  cfg,
		cache:   cache.NewNoopCache(),
		logger:  logger.With().Str("component", "retry").Logger(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Submit queues r for an individual send. It never blocks.
func (e *Engine) Submit(r *pending.Request) {
	if !e.push(r, false) {
		r.Reject(ErrClosed)
	}
}

// push appends r to the work queue. Retries pass force so that backoffs
// scheduled before Close still run.
func (e *Engine) push(r *pending.Request, force bool) bool {
	e.mu.Lock()
	if e.closed && !force {
		e.mu.Unlock()
		return false
	}
	e.active.Add(1)
	e.queue = append(e.queue, r)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.wake:
		case <-e.stop:
			return
		}

		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			r := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			go e.attempt(r)
		}
	}
}

// attempt performs one send for r and decides what happens next
func (e *Engine) attempt(r *pending.Request) {
	defer e.active.Done()

	if r.Aborted() {
		r.Abort(AbortCause(r))
		return
	}
	r.MarkInFlight()

	if cache.IsCacheable(r.Method) {
		if entry, ok := e.cache.Get(r.Key); ok {
			e.resolveFromCache(r, entry)
			return
		}
	}

	call, err := transport.NewCall(r.URL, r.Method, r.Header, r.Body)
	if err != nil {
		r.Reject(&pending.TransportError{Attempts: r.RetryCount() + 1, Err: err})
		return
	}

	resp, err := e.Send(r.Token().Context(), call, "single")

	if r.Aborted() {
		// the token cause is the caller-visible reason (cancel, supersede, timeout)
		r.Abort(AbortCause(r))
		return
	}

	if err == nil && resp.IsSuccess() {
		res, decodeErr := ToResult(resp)
		if decodeErr != nil {
			r.Reject(&pending.TransportError{StatusCode: resp.StatusCode, Body: resp.Body, Attempts: r.RetryCount() + 1, Err: decodeErr})
			return
		}
		if cache.IsCacheable(r.Method) {
			e.cache.Set(r.Key, &cache.Entry{
				StatusCode:  resp.StatusCode,
				ContentType: resp.ContentType,
				Header:      resp.Header,
				Body:        resp.Body,
			})
		}
		if e.config.DebugMode {
			e.logger.Debug().
				Uint64("id", r.ID).
				Str("key", r.Key).
				Int("status", resp.StatusCode).
				Int("retries", r.RetryCount()).
				Msg("request succeeded")
		}
		r.Resolve(res)
		return
	}

	failure := &pending.TransportError{Err: err}
	if err == nil {
		failure.StatusCode = resp.StatusCode
		failure.Body = resp.Body
		failure.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if r.RetryCount() < r.MaxRetries {
		n := r.NextRetry()
		delay := Backoff(e.config.RetryDelay, n)
		e.metrics.Retry()

		logEvent := e.logger.Warn().
			Uint64("id", r.ID).
			Str("key", r.Key).
			Int("attempt", n).
			Int("maxRetries", r.MaxRetries).
			Dur("delay", delay).
			Err(failure.Err)
		if failure.StatusCode > 0 {
			logEvent = logEvent.Int("status", failure.StatusCode)
		}
		logEvent.Msg("request failed, retrying")

		e.schedule(r, delay)
		return
	}

	failure.Attempts = r.RetryCount() + 1
	e.logger.Warn().
		Uint64("id", r.ID).
		Str("key", r.Key).
		Int("attempts", failure.Attempts).
		Err(failure).
		Msg("request failed, retries exhausted")
	r.Reject(failure)
}

// schedule re-submits r after delay unless it is aborted first.
// The active count is held across the wait so Close observes pending retries.
func (e *Engine) schedule(r *pending.Request, delay time.Duration) {
	e.active.Add(1)
	go func() {
		defer e.active.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			e.push(r, true)
		case <-r.Token().Done():
			r.Abort(AbortCause(r))
		}
	}()
}

// Send performs one transport call under the concurrency limit, without retries.
// kind labels the send in metrics.
func (e *Engine) Send(ctx context.Context, call *transport.Call, kind string) (*transport.Response, error) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for send slot: %w", err)
		}
		defer e.sem.Release(1)
	}

	e.metrics.InFlight(1)
	resp, err := e.sender.Send(ctx, call)
	e.metrics.InFlight(-1)

	switch {
	case transport.Aborted(ctx, err):
		e.metrics.Send(kind, "aborted")
	case err != nil:
		e.metrics.Send(kind, "error")
	case resp.IsSuccess():
		e.metrics.Send(kind, "success")
	default:
		e.metrics.Send(kind, "status")
	}
	return resp, err
}

func (e *Engine) resolveFromCache(r *pending.Request, entry *cache.Entry) {
	res, err := ToResult(&transport.Response{
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Header:      entry.Header,
		Body:        entry.Body,
	})
	if err != nil {
		r.Reject(&pending.TransportError{StatusCode: entry.StatusCode, Attempts: 1, Err: err})
		return
	}
	e.logger.Debug().Uint64("id", r.ID).Str("key", r.Key).Msg("served from cache")
	r.Resolve(res)
}

// Close stops accepting work and waits until every submitted request has
// settled or handed off, or ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		e.active.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(e.stop)
	<-e.stopped
	return err
}

// Backoff returns base * 2^(retry-1)
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return base * time.Duration(1<<uint(retry-1))
}

// AbortCause maps the token's cancellation cause to the error callers see.
// A bare context cancellation means the coordinator itself shut down.
func AbortCause(r *pending.Request) error {
	cause := r.Token().Cause()
	if cause == nil || !pending.IsAborted(cause) {
		return pending.ErrCancelled
	}
	return cause
}

// ToResult decodes a successful response into a settled result
func ToResult(resp *transport.Response) (*pending.Result, error) {
	data, err := resp.Decode()
	if err != nil {
		return nil, err
	}
	return &pending.Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Header:      resp.Header,
		Body:        resp.Body,
		Data:        data,
	}, nil
}
