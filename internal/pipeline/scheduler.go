package pipeline

import (
	"context"
	"sync"
	"time"

	"convsync/internal/constants"
	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
)

// RunExecutor executes one run. *Runner is the production implementation.
type RunExecutor interface {
	Run(ctx context.Context, opts RunOptions) (RunResult, error)
}

// RunStatus is the outcome of the most recent finished run.
type RunStatus struct {
	Result     RunResult
	Err        error
	FinishedAt time.Time
}

// Scheduler runs the previous-hour job on a fixed interval and accepts ad-hoc runs. At most
// one run executes at a time.
type Scheduler struct {
	executor RunExecutor
	interval time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	running bool
	last    *RunStatus
	wg      sync.WaitGroup
}

func NewScheduler(executor RunExecutor, interval time.Duration, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = constants.DefaultScheduleInterval
	}
	return &Scheduler{
		executor: executor,
		interval: interval,
		logger:   log,
	}
}

// Start runs once immediately and then on every tick until ctx is done. It waits for
// triggered runs to finish before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfowCtx(ctx, "Scheduler started", "interval", s.interval)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.InfowCtx(ctx, "Scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquire() {
		s.logger.WarnwCtx(ctx, "Previous run still in progress, skipping scheduled run")
		return
	}
	s.execute(ctx, RunOptions{})
}

// Trigger starts an ad-hoc run in the background. The run outlives the caller's context
// so an HTTP request can return immediately.
func (s *Scheduler) Trigger(ctx context.Context, opts RunOptions) error {
	if !s.acquire() {
		return apperrors.ErrConflict.WithMessage("a run is already in progress")
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, opts)
	}()
	return nil
}

// Running reports whether a run is executing right now.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the most recent finished run, if any.
func (s *Scheduler) Last() (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunStatus{}, false
	}
	return *s.last, true
}

// Wait blocks until every triggered run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) execute(ctx context.Context, opts RunOptions) {
	status := RunStatus{}
	defer func() {
		if r := recover(); r != nil {
			status.Err = apperrors.RecoverPanic(r)
			s.logger.ErrorwCtx(ctx, "Run panicked", "error", status.Err)
		}
		status.FinishedAt = time.Now()

		s.mu.Lock()
		s.running = false
		s.last = &status
		s.mu.Unlock()
	}()

	status.Result, status.Err = s.executor.Run(ctx, opts)
	if status.Err != nil {
		s.logger.ErrorwCtx(ctx, "Run failed", "error", status.Err)
		return
	}
	if status.Result.Retry {
		s.logger.WarnwCtx(ctx, "Run finished with retryable failures",
			"run_id", status.Result.RunID,
			"failed_sites", status.Result.Failed,
		)
	}
}
