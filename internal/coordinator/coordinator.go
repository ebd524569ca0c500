// Package coordinator is the entry point for callers. It deduplicates
// identical requests, files them into batch queues and routes flushed
// batches through registered transformers or the retry engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"reqcoord/internal/batcher"
	"reqcoord/internal/cache"
	"reqcoord/internal/config"
	"reqcoord/internal/metrics"
	"reqcoord/internal/pending"
	"reqcoord/internal/requestkey"
	"reqcoord/internal/retry"
	"reqcoord/internal/transform"
	"reqcoord/internal/transport"
)

// ErrClosed is returned for requests made after Close
var ErrClosed = errors.New("coordinator closed")

// RequestOptions describes one caller's request
type RequestOptions = pending.Options

// Stats is a point-in-time view of the coordinator
type Stats struct {
	Queued       int      `json:"queued"`
	InFlight     int      `json:"inFlight"`
	Tracked      int      `json:"tracked"`
	BatchKeys    []string `json:"batchKeys"`
	Transformers []string `json:"transformers"`
}

// Coordinator owns the batch scheduler, the transformer registry and the
// arena of unsettled requests
type Coordinator struct {
	cfg       config.CoordinatorConfig
	scheduler *batcher.Scheduler
	engine    *retry.Engine
	registry  *transform.Registry
	cache     cache.Cache
	metrics   *metrics.Collector
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64
	closed atomic.Bool

	arena   map[uint64]*pending.Request
	arenaMu sync.Mutex

	batches sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the parent logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics records coordinator activity on m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCache serves repeated GET requests from cache
func WithCache(ch cache.Cache) Option {
	return func(c *Coordinator) { c.cache = ch }
}

// WithRegistry shares a transformer registry
func WithRegistry(r *transform.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// New creates a coordinator that sends through sender
func New(cfg config.CoordinatorConfig, sender transport.Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: zerolog.Nop(),
		arena:  make(map[uint64]*pending.Request),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = transform.NewRegistry()
	}

	c.logger = c.logger.With().Str("component", "coordinator").Logger()
	if cfg.DebugMode {
		c.logger = c.logger.Level(zerolog.DebugLevel)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	engineOpts := []retry.Option{retry.WithMetrics(c.metrics)}
	if c.cache != nil {
		engineOpts = append(engineOpts, retry.WithCache(c.cache))
	}
	c.engine = retry.NewEngine(sender, retry.Config{
		RetryDelay:    cfg.GetRetryDelayDuration(),
		MaxConcurrent: cfg.MaxConcurrent,
		DebugMode:     cfg.DebugMode,
	}, c.logger, engineOpts...)

	c.scheduler = batcher.NewScheduler(batcher.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MinDelay:     cfg.GetMinDelayDuration(),
	}, c.dispatch, c.logger)

	c.metrics.RegisterPendingGauge(func() float64 { return float64(c.PendingCount()) })
	return c
}

// Request files a request and returns the caller's future. It never blocks.
// Cancelling ctx detaches only this caller; the request itself is aborted
// once no caller is left waiting on it.
func (c *Coordinator) Request(ctx context.Context, opts RequestOptions) *pending.Future {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.closed.Load() {
		return pending.Rejected(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return pending.Rejected(fmt.Errorf("%w: %w", pending.ErrCancelled, err))
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	key := requestkey.Build(method, opts.URL, opts.Body)

	r := pending.New(c.ctx, c.nextID.Add(1), key, opts)
	r.MaxRetries = c.cfg.MaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		r.MaxRetries = *opts.MaxRetries
	}
	if r.Timeout <= 0 {
		r.Timeout = c.cfg.GetDefaultTimeoutDuration()
	}

	f := pending.NewFuture()
	var owner, superseded *pending.Request

	accepted := c.scheduler.Update(func(tx *batcher.Txn) {
		if c.cfg.Deduplicate {
			if existing := tx.Find(key); existing != nil {
				if r.Priority <= existing.Priority && existing.AddWaiter(f) {
					owner = existing
					return
				}
				if r.Priority > existing.Priority {
					tx.Remove(existing)
					superseded = existing
				}
			}
		}
		r.AddWaiter(f)
		tx.Add(r)
		owner = r
	})
	if !accepted {
		return pending.Rejected(ErrClosed)
	}

	if superseded != nil {
		superseded.Abort(pending.ErrSuperseded)
		c.metrics.Dedup("supersede")
		c.logger.Debug().
			Uint64("id", superseded.ID).
			Uint64("replacedBy", r.ID).
			Str("key", key).
			Int("priority", r.Priority).
			Msg("superseded lower-priority duplicate")
	}

	if owner == r {
		c.track(r)
		r.StartTimeout(r.Timeout)
		c.logger.Debug().
			Uint64("id", r.ID).
			Str("key", key).
			Str("batchKey", r.BatchKey).
			Int("priority", r.Priority).
			Msg("request filed")
	} else {
		c.metrics.Dedup("piggyback")
		c.logger.Debug().
			Uint64("id", owner.ID).
			Str("key", key).
			Int("waiters", owner.Waiters()).
			Msg("piggybacked on pending duplicate")
	}

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			remaining := owner.Detach(f, fmt.Errorf("%w: %w", pending.ErrCancelled, ctx.Err()))
			if remaining == 0 {
				owner.Abort(pending.ErrCancelled)
			}
		})
		owner.OnSettle(func(*pending.Request) { stop() })
	}
	return f
}

// track adds r to the arena until it settles
func (c *Coordinator) track(r *pending.Request) {
	c.arenaMu.Lock()
	c.arena[r.ID] = r
	c.arenaMu.Unlock()

	r.OnSettle(func(r *pending.Request) {
		c.arenaMu.Lock()
		delete(c.arena, r.ID)
		c.arenaMu.Unlock()

		_, err := r.Outcome()
		c.metrics.Settled(outcomeLabel(err), time.Since(r.CreatedAt))
	})
}

// dispatch receives flushed batches from the scheduler in detach order
func (c *Coordinator) dispatch(b batcher.Batch) {
	c.metrics.Flush(string(b.Reason))

	active := make([]*pending.Request, 0, len(b.Requests))
	for _, r := range b.Requests {
		if r.Aborted() {
			r.Abort(retry.AbortCause(r))
			continue
		}
		active = append(active, r)
	}
	if len(active) == 0 {
		return
	}

	if t, ok := c.registry.Get(b.Key); ok && len(active) > 1 {
		for _, r := range active {
			r.MarkInFlight()
		}
		c.batches.Add(1)
		go func() {
			defer c.batches.Done()
			c.sendBatch(b.Key, t, active)
		}()
		return
	}

	for _, r := range active {
		c.engine.Submit(r)
	}
}

// sendBatch sends one combined call for requests and splits the reply.
// Any failure falls back to individual sends for requests still live.
func (c *Coordinator) sendBatch(key string, t transform.Transformer, requests []*pending.Request) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	// the combined call is abandoned once every member has settled
	var left atomic.Int32
	left.Store(int32(len(requests)))
	for _, r := range requests {
		r.OnSettle(func(*pending.Request) {
			if left.Add(-1) == 0 {
				cancel()
			}
		})
	}

	results, err := c.combineAndSend(ctx, t, requests)
	if err == nil {
		for i, r := range requests {
			r.Resolve(results[i])
		}
		c.logger.Debug().
			Str("batchKey", key).
			Int("requests", len(requests)).
			Msg("batch call succeeded")
		return
	}

	var live []*pending.Request
	for _, r := range requests {
		if r.Aborted() {
			r.Abort(retry.AbortCause(r))
			continue
		}
		live = append(live, r)
	}
	if len(live) == 0 {
		return
	}

	c.metrics.BatchFallback()
	c.logger.Warn().
		Err(err).
		Str("batchKey", key).
		Int("requests", len(live)).
		Msg("batch call failed, sending requests individually")
	for _, r := range live {
		c.engine.Submit(r)
	}
}

func (c *Coordinator) combineAndSend(ctx context.Context, t transform.Transformer, requests []*pending.Request) ([]*pending.Result, error) {
	call, err := t.Combine(requests)
	if err != nil {
		return nil, fmt.Errorf("combine: %w", err)
	}

	resp, err := c.engine.Send(ctx, call, "batch")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &pending.TransportError{StatusCode: resp.StatusCode, Body: resp.Body, Attempts: 1}
	}

	results, err := t.Split(resp, requests)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if len(results) != len(requests) {
		return nil, fmt.Errorf("split returned %d results for %d requests", len(results), len(requests))
	}
	for i, res := range results {
		if res == nil {
			return nil, fmt.Errorf("split returned no result for request %d", requests[i].ID)
		}
	}
	return results, nil
}

// CancelAll aborts every queued and in-flight request with ErrCancelled and
// empties every queue. Safe to call repeatedly.
func (c *Coordinator) CancelAll() {
	drained := c.scheduler.Drain()
	for _, r := range drained {
		r.Abort(pending.ErrCancelled)
	}

	c.arenaMu.Lock()
	tracked := make([]*pending.Request, 0, len(c.arena))
	for _, r := range c.arena {
		tracked = append(tracked, r)
	}
	c.arenaMu.Unlock()

	for _, r := range tracked {
		r.Abort(pending.ErrCancelled)
	}

	if len(drained) > 0 || len(tracked) > 0 {
		c.logger.Info().
			Int("queued", len(drained)).
			Int("tracked", len(tracked)).
			Msg("cancelled all requests")
	}
}

// RegisterBatchTransformer binds t to batchKey for batches flushed from now on
func (c *Coordinator) RegisterBatchTransformer(batchKey string, t transform.Transformer) {
	c.registry.Register(batchKey, t)
	c.logger.Debug().Str("batchKey", batchKey).Msg("batch transformer registered")
}

// UnregisterBatchTransformer removes the transformer bound to batchKey
func (c *Coordinator) UnregisterBatchTransformer(batchKey string) {
	c.registry.Unregister(batchKey)
}

// PendingCount returns the number of non-aborted requests waiting in queues
func (c *Coordinator) PendingCount() int {
	return c.scheduler.Pending()
}

// Stats returns a snapshot of the coordinator state
func (c *Coordinator) Stats() Stats {
	c.arenaMu.Lock()
	tracked := len(c.arena)
	inFlight := 0
	for _, r := range c.arena {
		if r.State() == pending.StateInFlight {
			inFlight++
		}
	}
	c.arenaMu.Unlock()

	return Stats{
		Queued:       c.scheduler.Pending(),
		InFlight:     inFlight,
		Tracked:      tracked,
		BatchKeys:    c.scheduler.Keys(),
		Transformers: c.registry.Keys(),
	}
}

// Close flushes every queue, waits for outstanding sends and rejects further
// requests. Requests still unsettled when ctx is done are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.scheduler.Close()

	idle := make(chan struct{})
	go func() {
		c.batches.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
		err = c.engine.Close(ctx)
	case <-ctx.Done():
		err = ctx.Err()
		_ = c.engine.Close(ctx)
	}

	if err != nil {
		c.logger.Warn().Err(err).Msg("shutdown deadline reached, cancelling remaining requests")
		c.CancelAll()
	}
	c.cancel()
	c.logger.Info().Msg("coordinator closed")
	return err
}

func outcomeLabel(err error) string {
	var te *pending.TimeoutError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, pending.ErrSuperseded):
		return "superseded"
	case pending.IsAborted(err):
		return "cancelled"
	default:
		return "error"
	}
}
