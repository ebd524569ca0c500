package pending

import "context"

// Token is the cancellation handle shared by a request and its in-flight transport call
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken creates a token derived from parent
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the context to bind transport calls to
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel aborts the token. Only the first cause is recorded.
func (t *Token) Cancel(cause error) {
	t.cancel(cause)
}

// Done is closed once the token is cancelled
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Cancelled returns true once Cancel has been called or the parent is done
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Cause returns the error the token was cancelled with, or nil
func (t *Token) Cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}
