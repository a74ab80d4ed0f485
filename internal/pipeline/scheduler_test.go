package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
)

type fakeExecutor struct {
	mu      sync.Mutex
	opts    []RunOptions
	release chan struct{}
	result  RunResult
	err     error
	panics  bool
}

func (f *fakeExecutor) Run(_ context.Context, opts RunOptions) (RunResult, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("runner exploded")
	}
	return f.result, f.err
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

func TestScheduler_TriggerIsSingleFlight(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{}), result: RunResult{RunID: "run-1"}}
	s := NewScheduler(exec, time.Hour, logger.NopLogger())

	opts := RunOptions{SiteIDs: []int{4}}
	require.NoError(t, s.Trigger(context.Background(), opts))
	assert.True(t, s.Running())

	err := s.Trigger(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Equal(t, 409, apperrors.ToHTTPStatus(err))

	close(exec.release)
	s.Wait()

	assert.False(t, s.Running())
	assert.Equal(t, 1, exec.calls())
	assert.Equal(t, opts, exec.opts[0])

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "run-1", last.Result.RunID)
	assert.NoError(t, last.Err)
	assert.False(t, last.FinishedAt.IsZero())
}

func TestScheduler_TriggerSurvivesRequestCancellation(t *testing.T) {
	exec := &fakeExecutor{release: make(chan struct{})}
	s := NewScheduler(exec, time.Hour, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Trigger(ctx, RunOptions{}))
	cancel()

	close(exec.release)
	s.Wait()

	last, ok := s.Last()
	require.True(t, ok)
	assert.NoError(t, last.Err)
}

func TestScheduler_RecordsFailures(t *testing.T) {
	tests := []struct {
		name string
		exec *fakeExecutor
	}{
		{name: "error", exec: &fakeExecutor{err: errors.New("listing sites failed")}},
		{name: "panic", exec: &fakeExecutor{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(tt.exec, time.Hour, logger.NopLogger())
			require.NoError(t, s.Trigger(context.Background(), RunOptions{}))
			s.Wait()

			last, ok := s.Last()
			require.True(t, ok)
			assert.Error(t, last.Err)
			assert.False(t, s.Running(), "a failed run releases the scheduler")
		})
	}
}

func TestScheduler_StartRunsImmediatelyAndOnTicks(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewScheduler(exec, 10*time.Millisecond, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return exec.calls() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	for _, opts := range exec.opts {
		assert.Equal(t, RunOptions{}, opts, "scheduled runs use the default window")
	}
}

func TestScheduler_LastBeforeAnyRun(t *testing.T) {
	s := NewScheduler(&fakeExecutor{}, 0, logger.NopLogger())
	_, ok := s.Last()
	assert.False(t, ok)
	assert.Equal(t, time.Hour, s.interval)
}
