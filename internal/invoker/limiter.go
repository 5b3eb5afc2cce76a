package invoker

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is the invocation-slot abstraction the invoker acquires before
// every attempt. It is injected, never a process-wide singleton, so tests
// and multi-tenant deployments can scope it however they need.
type Limiter interface {
	// TryAcquire takes a slot without blocking.
	TryAcquire() bool
	// WaitForSlot blocks until a slot is available or ctx is done.
	WaitForSlot(ctx context.Context) error
}

// TokenBucket adapts x/time/rate to the Limiter interface.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket allows rps requests per second with the given burst.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *TokenBucket) TryAcquire() bool {
	return t.limiter.Allow()
}

func (t *TokenBucket) WaitForSlot(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Unlimited never blocks. Used by tests and as a fallback when rate limiting
// is disabled in config.
type Unlimited struct{}

func (Unlimited) TryAcquire() bool                      { return true }
func (Unlimited) WaitForSlot(ctx context.Context) error { return ctx.Err() }
