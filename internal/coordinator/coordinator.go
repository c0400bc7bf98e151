// Package coordinator drives the periodic fetch of an integration entry.
//
// A Coordinator fetches a snapshot through the API client with a bounded
// timeout and, on success, sends dispatcher.SignalAPIUpdated carrying the
// snapshot. The same fetch is available on demand through ForceUpdate.
// Scheduled failures are logged and recorded in Health; the schedule is
// never interrupted by them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/dispatcher"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
)

const (
	DefaultInterval = 3600 * time.Second
	DefaultTimeout  = 10 * time.Second
)

var (
	ErrFetchTimeout   = errors.New("fetch timed out")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Config controls the update loop
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Overlap  scheduler.Overlap
}

// DefaultConfig returns the hourly schedule with a ten second timeout
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Overlap:  scheduler.OverlapSkip,
	}
}

type Coordinator struct {
	entryID    string
	client     api.Client
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	config     Config
	metrics    *Metrics
	logger     *logrus.Entry

	mu        sync.Mutex
	task      *scheduler.Task
	health    Health
	listeners []func(Health)
}

// New creates a coordinator for one integration entry. metrics may be nil.
func New(
	entryID string,
	client api.Client,
	d *dispatcher.Dispatcher,
	s *scheduler.Scheduler,
	config Config,
	metrics *Metrics,
	logger *logrus.Logger,
) *Coordinator {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Coordinator{
		entryID:    entryID,
		client:     client,
		dispatcher: d,
		scheduler:  s,
		config:     config,
		metrics:    metrics,
		logger:     logger.WithField("entry_id", entryID),
		health:     Health{State: StateUnknown},
	}
}

// Start schedules the periodic update. The first fetch runs immediately.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil {
		return ErrAlreadyStarted
	}
	task, err := c.scheduler.Schedule(c.config.Interval, c.config.Overlap, c.scheduledUpdate)
	if err != nil {
		return fmt.Errorf("scheduling update: %w", err)
	}
	c.task = task

	c.logger.WithFields(logrus.Fields{
		"interval": c.config.Interval.String(),
		"timeout":  c.config.Timeout.String(),
		"overlap":  string(c.config.Overlap),
	}).Info("Started periodic update")
	return nil
}

// FetchOnce fetches a snapshot and sends SignalAPIUpdated on success.
// Nothing is sent when the fetch fails or exceeds the timeout. When ctx
// itself ends first, ctx's error is returned and health is left as is.
func (c *Coordinator) FetchOnce(ctx context.Context) error {
	return c.fetch(ctx, triggerScheduled)
}

// ForceUpdate performs one fetch on demand, outside the schedule
func (c *Coordinator) ForceUpdate(ctx context.Context) error {
	c.logger.Info("Forced update requested")
	return c.fetch(ctx, triggerForced)
}

// Status returns the current health of the update loop
func (c *Coordinator) Status() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// OnHealthChange registers fn to be called after every fetch with the
// resulting health
func (c *Coordinator) OnHealthChange(fn func(Health)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Stop cancels the periodic update and closes the API client. A fetch in
// progress is not interrupted.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()

	if task != nil {
		task.Cancel()
		c.logger.Info("Cancelled periodic update")
	}

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("closing API client: %w", err)
	}
	return nil
}

func (c *Coordinator) scheduledUpdate(ctx context.Context) {
	if err := c.FetchOnce(ctx); err != nil {
		c.logger.WithError(err).Warn("Scheduled update failed")
	}
}

type fetchResult struct {
	snapshot *models.Snapshot
	err      error
}

func (c *Coordinator) fetch(parent context.Context, trigger string) error {
	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(api.WithRequestID(parent, requestID), c.config.Timeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"trigger":    trigger,
	})
	start := time.Now()

	// the client may not honour ctx, the select bounds the wait regardless
	results := make(chan fetchResult, 1)
	go func() {
		snapshot, err := c.client.FetchData(ctx)
		results <- fetchResult{snapshot: snapshot, err: err}
	}()

	var res fetchResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err == nil && res.snapshot == nil {
		res.err = errors.New("client returned no snapshot")
	}
	// the caller went away, the API did not fail
	if res.err != nil && parent.Err() != nil {
		c.metrics.observe(c.entryID, trigger, resultCancelled, time.Since(start))
		logger.WithError(parent.Err()).Debug("Fetch abandoned by caller")
		return parent.Err()
	}
	if res.err != nil {
		result := resultError
		err := res.err
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = resultTimeout
			err = fmt.Errorf("%w after %s: %v", ErrFetchTimeout, c.config.Timeout, res.err)
		}
		c.metrics.observe(c.entryID, trigger, result, time.Since(start))
		c.updateHealth(func(h Health) Health { return h.failed(time.Now(), err) })
		logger.WithError(err).Debug("Fetch failed")
		return err
	}

	c.metrics.observe(c.entryID, trigger, resultSuccess, time.Since(start))
	c.updateHealth(func(Health) Health { return healthyAt(time.Now()) })
	logger.WithField("duration", time.Since(start).String()).Debug("Fetch succeeded")

	c.dispatcher.Send(dispatcher.SignalAPIUpdated, res.snapshot)
	return nil
}

func (c *Coordinator) updateHealth(next func(Health) Health) {
	c.mu.Lock()
	h := next(c.health)
	c.health = h
	listeners := append([]func(Health){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(h)
	}
}
