package session

import (
	"context"
	"log/slog"
	"time"
)

// ExpireFunc is invoked for every session the sweeper removes, letting the
// caller reclaim buffers and connections without this package importing
// them.
type ExpireFunc func(Session)

// Sweeper periodically expires idle sessions. It is idempotent: a sweep
// that races with normal request handling serializes through the registry
// mutex, and sessions with a live channel are never removed.
type Sweeper struct {
	registry    *Registry
	logger      *slog.Logger
	interval    time.Duration
	idleTimeout time.Duration
	onExpire    ExpireFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the registry. onExpire may be nil.
func NewSweeper(registry *Registry, logger *slog.Logger, interval, idleTimeout time.Duration, onExpire ExpireFunc) *Sweeper {
	return &Sweeper{
		registry:    registry,
		logger:      logger,
		interval:    interval,
		idleTimeout: idleTimeout,
		onExpire:    onExpire,
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop. Stop cancels it deterministically.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("Session sweeper started",
			slog.Duration("interval", s.interval),
			slog.Duration("idle_timeout", s.idleTimeout),
		)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Session sweeper stopping")
				return
			case <-ticker.C:
				s.SweepOnce(time.Now())
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// SweepOnce runs a single sweep pass at `now`. Exposed so shutdown and tests
// can drive sweeps without the ticker.
func (s *Sweeper) SweepOnce(now time.Time) int {
	candidates := s.registry.Snapshot()
	expired := 0
	for _, sess := range candidates {
		// Re-checked under the registry lock; the snapshot only narrows the
		// candidate set.
		removed, ok := s.registry.ExpireIfIdle(sess.ID, s.idleTimeout, now)
		if !ok {
			continue
		}
		expired++
		if s.onExpire != nil {
			s.onExpire(removed)
		}
	}
	if expired > 0 {
		s.logger.Info("Sweep removed idle sessions", slog.Int("expired", expired))
	}
	return expired
}
