package resilience

import (
	"context"
	"time"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

// Guard pairs a breaker with a retry policy for one engine.
type Guard struct {
	Breaker *Breaker
	Policy  Policy
}

// NewGuard builds a guard for the named engine from config.
func NewGuard(name string, cfg config.ResilienceConfig) *Guard {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.Attempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		p.Initial = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.Max = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	return &Guard{
		Breaker: NewBreaker(name, cfg.FailureThreshold, time.Duration(cfg.ResetTimeoutSecs)*time.Second),
		Policy:  p,
	}
}

// Call runs fn behind the guard's breaker and retry policy. A nil guard
// calls fn directly.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	var zero T
	if err := g.Breaker.Allow(); err != nil {
		return zero, err
	}
	val, err := Retry(ctx, g.Policy, g.Breaker.Name(), fn)
	g.Breaker.Record(err)
	return val, err
}
