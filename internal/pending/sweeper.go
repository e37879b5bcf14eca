package pending

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer is satisfied by Queue and by the ingest service.
type Expirer interface {
	ExpirePending(ctx context.Context) (int, error)
}

// Sweeper periodically expires pending documents.
type Sweeper struct {
	target   Expirer
	interval time.Duration
}

// NewSweeper creates a Sweeper. A non-positive interval defaults to one minute.
func NewSweeper(target Expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{target: target, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "pending.sweeper"))
	log.Info("starting expiry sweeper", zap.Duration("interval", s.interval))

	s.sweep(ctx, log)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, log)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, log *zap.Logger) {
	n, err := s.target.ExpirePending(ctx)
	if err != nil {
		log.Error("pending: sweep failed", zap.Error(err))
		return
	}
	log.Debug("pending: sweep complete", zap.Int("expired", n))
}

// ExpirePending lets a Queue drive a Sweeper directly.
func (q *Queue) ExpirePending(ctx context.Context) (int, error) {
	return q.Expire(ctx)
}
