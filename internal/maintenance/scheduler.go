package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how often the scheduler runs maintenance.
const DefaultInterval = time.Hour

// Runner is one maintenance pass. *Analyzer implements it.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs a Runner on a ticker until stopped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runner.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduled maintenance failed", "error", err)
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
