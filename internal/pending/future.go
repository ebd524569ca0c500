package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Result is the settled value of a request
type Result struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte      // raw payload
	Data        interface{} // decoded JSON, or the body as a string for other content types
}

// Decode unmarshals the raw JSON payload into v
func (r *Result) Decode(v interface{}) error {
	if r == nil {
		return errors.New("nil result")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Future is the handle returned to one caller. It settles exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *Result
	err    error
}

// NewFuture creates an unsettled future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Rejected returns a future already settled with err
func Rejected(err error) *Future {
	f := NewFuture()
	f.settle(nil, err)
	return f
}

func (f *Future) settle(res *Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed when the future settles
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled returns true once a result or error is available
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done.
// Giving up on ctx does not cancel the underlying request.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the future settles
func (f *Future) Result() (*Result, error) {
	<-f.done
	return f.result, f.err
}
