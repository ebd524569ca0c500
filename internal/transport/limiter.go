package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter paces outbound calls with a token bucket
type Limiter struct {
	next    Sender
	limiter *rate.Limiter
}

// NewLimiter wraps next, allowing rps calls per second with the given burst
func NewLimiter(next Sender, rps float64, burst int) *Limiter {
	return &Limiter{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Send waits for a token, then forwards the call.
// A cancelled context while waiting is reported as an abort.
func (l *Limiter) Send(ctx context.Context, call *Call) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rate limit wait aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return l.next.Send(ctx, call)
}
