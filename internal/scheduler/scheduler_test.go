package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(context.Background(), testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestScheduleRunsImmediately(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32

	_, err := s.Schedule(time.Hour, OverlapSkip, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduleRepeats(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32

	_, err := s.Schedule(20*time.Millisecond, OverlapSkip, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduleInvalidArguments(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.Schedule(0, OverlapSkip, func(context.Context) {})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = s.Schedule(time.Second, Overlap("sometimes"), func(context.Context) {})
	assert.Error(t, err)
}

func TestCancelStopsFurtherRuns(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32

	task, err := s.Schedule(10*time.Millisecond, OverlapSkip, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	task.Cancel()
	task.Cancel()
	assert.True(t, task.Cancelled())

	// allow a run that was already dispatched to finish
	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestCancelLetsInFlightRunComplete(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var completed atomic.Bool

	task, err := s.Schedule(time.Hour, OverlapSkip, func(context.Context) {
		close(started)
		<-release
		completed.Store(true)
	})
	require.NoError(t, err)

	<-started
	task.Cancel()
	close(release)

	assert.Eventually(t, completed.Load, time.Second, 5*time.Millisecond)
}

func TestOverlapPolicies(t *testing.T) {
	tests := []struct {
		name          string
		overlap       Overlap
		maxConcurrent int32
	}{
		{name: "skip keeps a single run", overlap: OverlapSkip, maxConcurrent: 1},
		{name: "delay keeps a single run", overlap: OverlapDelay, maxConcurrent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t)
			var active, peak, runs atomic.Int32

			task, err := s.Schedule(5*time.Millisecond, tt.overlap, func(context.Context) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(40 * time.Millisecond)
				active.Add(-1)
				runs.Add(1)
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
			task.Cancel()
			assert.LessOrEqual(t, peak.Load(), tt.maxConcurrent)
		})
	}
}

func TestOverlapAllowStacksRuns(t *testing.T) {
	s := newTestScheduler(t)
	var active, peak atomic.Int32
	release := make(chan struct{})

	task, err := s.Schedule(5*time.Millisecond, OverlapAllow, func(context.Context) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return peak.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	task.Cancel()
	close(release)
}

func TestPanicDoesNotStopSchedule(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32

	_, err := s.Schedule(10*time.Millisecond, OverlapSkip, func(context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopWaitsAndRejectsNewTasks(t *testing.T) {
	s := NewScheduler(context.Background(), testLogger())
	started := make(chan struct{})
	var completed atomic.Bool

	_, err := s.Schedule(time.Hour, OverlapSkip, func(context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		completed.Store(true)
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, completed.Load())

	_, err = s.Schedule(time.Second, OverlapSkip, func(context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopTimesOut(t *testing.T) {
	s := NewScheduler(context.Background(), testLogger())
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	_, err := s.Schedule(time.Hour, OverlapSkip, func(context.Context) {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
