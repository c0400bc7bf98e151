package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Overlap decides what happens when a tick fires while the previous run of
// the same task is still active.
type Overlap string

const (
	// OverlapSkip drops the tick
	OverlapSkip Overlap = "skip"
	// OverlapDelay runs the tick once the previous run finished
	OverlapDelay Overlap = "delay"
	// OverlapAllow starts the tick concurrently with the previous run
	OverlapAllow Overlap = "allow"
)

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrStopped         = errors.New("scheduler stopped")
)

// Job is one execution of a scheduled task
type Job func(ctx context.Context)

type Scheduler struct {
	ctx    context.Context
	logger *logrus.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup // immediate runs, cron tracks its own
}

func NewScheduler(ctx context.Context, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		logger: logger,
		cron:   cron.New(cron.WithLogger(cronLogger{logger})),
	}
}

// Task is the handle of a scheduled job
type Task struct {
	id        cron.EntryID
	scheduler *Scheduler
	cancelled atomic.Bool
}

// Schedule runs job immediately and then every interval until the task is
// cancelled or the scheduler stopped. Runs receive the scheduler's context.
func (s *Scheduler) Schedule(interval time.Duration, overlap Overlap, job Job) (*Task, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	chain, err := s.chain(overlap)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	task := &Task{scheduler: s}
	wrapped := chain.Then(cron.FuncJob(func() {
		if task.cancelled.Load() {
			return
		}
		s.run(job)
	}))

	task.id = s.cron.Schedule(fixedInterval(interval), wrapped)
	if !s.started {
		s.cron.Start()
		s.started = true
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wrapped.Run()
	}()

	return task, nil
}

// Cancel stops further runs of the task. A run already in progress is
// left to complete. Safe to call multiple times.
func (t *Task) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.scheduler.cron.Remove(t.id)
	}
}

// Cancelled reports whether Cancel was called
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Stop halts the scheduler and waits for in-flight runs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"correlation_id": uuid.NewString(),
				"panic":          fmt.Sprintf("%v", r),
				"stack":          string(debug.Stack()),
			}).Error("Scheduled job panicked")
		}
	}()
	job(s.ctx)
}

func (s *Scheduler) chain(overlap Overlap) (cron.Chain, error) {
	logger := cronLogger{s.logger}
	switch overlap {
	case OverlapSkip, "":
		return cron.NewChain(cron.SkipIfStillRunning(logger)), nil
	case OverlapDelay:
		return cron.NewChain(cron.DelayIfStillRunning(logger)), nil
	case OverlapAllow:
		return cron.NewChain(), nil
	default:
		return cron.Chain{}, fmt.Errorf("unknown overlap policy: %s", overlap)
	}
}

// fixedInterval is a cron.Schedule without the one second granularity of
// cron.Every
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
