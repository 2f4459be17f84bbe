package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lmsbridge/internal/infrastructure"
)

// Scheduler drives the dispatcher on a fixed interval. Cycles are
// deduplicated through singleflight so a manual kick landing while a
// scheduled cycle runs joins it instead of stacking a second drain on the
// same batch.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration

	group  singleflight.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler. interval <= 0 falls back to one minute.
func NewScheduler(dispatcher *Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{dispatcher: dispatcher, interval: interval}
}

// Start launches the periodic loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	infrastructure.GetLogger().Info("dispatch scheduler started",
		slog.String("action", "scheduler_start"),
		slog.Duration("interval", s.interval),
	)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	infrastructure.GetLogger().Info("dispatch scheduler stopped",
		slog.String("action", "scheduler_stop"),
	)
}

// DispatchNow runs one cycle immediately, joining any cycle already in
// flight. Satisfies the post-activation dispatch trigger; failures are
// logged and absorbed because the next scheduled cycle retries anyway.
func (s *Scheduler) DispatchNow(ctx context.Context) {
	s.runCycle(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(infrastructure.EnsureTraceID(context.Background()))
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	_, err, _ := s.group.Do("dispatch", func() (interface{}, error) {
		return s.dispatcher.DispatchPending(ctx)
	})
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Error("dispatch cycle failed",
			slog.String("action", "dispatch_cycle"),
			slog.String("error", err.Error()),
		)
	}
}
