package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/api/mocks"
	"github.com/tejusbharadwaj/blueconnect/internal/dispatcher"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
)

type recorder struct {
	mu        sync.Mutex
	snapshots []*models.Snapshot
}

func (r *recorder) handle(s *models.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

type fixture struct {
	client      *mocks.Client
	coordinator *Coordinator
	metrics     *Metrics
	published   *recorder
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := scheduler.NewScheduler(context.Background(), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	d := dispatcher.New()
	published := &recorder{}
	d.Connect(dispatcher.SignalAPIUpdated, published.handle)

	client := &mocks.Client{}
	metrics := NewMetrics(prometheus.NewRegistry())

	return &fixture{
		client:      client,
		coordinator: New("entry-1", client, d, s, config, metrics, logger),
		metrics:     metrics,
		published:   published,
	}
}

func testSnapshot(value float64) *models.Snapshot {
	return &models.Snapshot{
		Pool:         &models.Pool{ID: "P1", Name: "Garden"},
		Measurements: []models.Measurement{{Name: "temperature", Value: value}},
	}
}

func TestFetchOncePublishesSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	snapshot := testSnapshot(26.5)
	f.client.On("FetchData", mock.Anything).Return(snapshot, nil)

	require.NoError(t, f.coordinator.FetchOnce(context.Background()))

	require.Equal(t, 1, f.published.count())
	assert.Same(t, snapshot, f.published.snapshots[0])

	health := f.coordinator.Status()
	assert.Equal(t, StateHealthy, health.State)
	assert.False(t, health.LastSuccess.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerScheduled, resultSuccess)))
}

func TestFetchOnceAttachesRequestID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.client.On("FetchData", mock.MatchedBy(func(ctx context.Context) bool {
		return api.RequestID(ctx) != ""
	})).Return(testSnapshot(1), nil)

	require.NoError(t, f.coordinator.FetchOnce(context.Background()))
	f.client.AssertExpectations(t)
}

func TestFetchOnceFailureDoesNotPublish(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.client.On("FetchData", mock.Anything).Return(nil, api.ErrNetwork)

	err := f.coordinator.FetchOnce(context.Background())

	assert.ErrorIs(t, err, api.ErrNetwork)
	assert.Equal(t, 0, f.published.count())
	assert.Equal(t, StateDegraded, f.coordinator.Status().State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerScheduled, resultError)))
}

func TestFetchOnceTimeout(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *mocks.Client)
	}{
		{
			name: "client honours context",
			setup: func(c *mocks.Client) {
				c.On("FetchData", mock.Anything).Run(func(args mock.Arguments) {
					<-args.Get(0).(context.Context).Done()
				}).Return(nil, context.DeadlineExceeded)
			},
		},
		{
			name: "client ignores context",
			setup: func(c *mocks.Client) {
				c.On("FetchData", mock.Anything).After(300*time.Millisecond).Return(testSnapshot(1), nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Timeout: 20 * time.Millisecond})
			tt.setup(f.client)

			start := time.Now()
			err := f.coordinator.FetchOnce(context.Background())

			assert.ErrorIs(t, err, ErrFetchTimeout)
			assert.Less(t, time.Since(start), 250*time.Millisecond)
			assert.Equal(t, 0, f.published.count())
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerScheduled, resultTimeout)))
		})
	}
}

func TestFetchOnceCallerCancelled(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(cancel context.CancelFunc)
	}{
		{
			name:   "already cancelled",
			cancel: func(cancel context.CancelFunc) { cancel() },
		},
		{
			name: "cancelled during fetch",
			cancel: func(cancel context.CancelFunc) {
				time.AfterFunc(20*time.Millisecond, cancel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			f.client.On("FetchData", mock.Anything).Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).Return(nil, context.Canceled)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.cancel(cancel)

			err := f.coordinator.ForceUpdate(ctx)

			assert.ErrorIs(t, err, context.Canceled)
			assert.NotErrorIs(t, err, ErrFetchTimeout)
			assert.Equal(t, 0, f.published.count())

			health := f.coordinator.Status()
			assert.Equal(t, StateUnknown, health.State)
			assert.Zero(t, health.ConsecutiveFailures)
			assert.Empty(t, health.LastError)

			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerForced, resultCancelled)))
			assert.Zero(t, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerForced, resultError)))
		})
	}
}

func TestCallerCancelKeepsHealthy(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.client.On("FetchData", mock.Anything).Return(testSnapshot(1), nil).Once()
	f.client.On("FetchData", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled)

	require.NoError(t, f.coordinator.FetchOnce(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.coordinator.ForceUpdate(ctx), context.Canceled)
	assert.Equal(t, StateHealthy, f.coordinator.Status().State)
}

func TestForceUpdate(t *testing.T) {
	t.Run("success and failure", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.client.On("FetchData", mock.Anything).Return(testSnapshot(27), nil).Once()
		f.client.On("FetchData", mock.Anything).Return(nil, api.ErrAuth).Once()

		require.NoError(t, f.coordinator.ForceUpdate(context.Background()))
		assert.Equal(t, 1, f.published.count())

		assert.ErrorIs(t, f.coordinator.ForceUpdate(context.Background()), api.ErrAuth)
		assert.Equal(t, 1, f.published.count())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerForced, resultSuccess)))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerForced, resultError)))
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, Config{Timeout: 20 * time.Millisecond})
		f.client.On("FetchData", mock.Anything).After(300*time.Millisecond).Return(testSnapshot(1), nil)

		start := time.Now()
		err := f.coordinator.ForceUpdate(context.Background())

		assert.ErrorIs(t, err, ErrFetchTimeout)
		assert.Less(t, time.Since(start), 250*time.Millisecond)
		assert.Equal(t, 0, f.published.count())
		assert.Equal(t, StateDegraded, f.coordinator.Status().State)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerForced, resultTimeout)))
	})
}

func TestStartFetchesImmediatelyAndKeepsPolling(t *testing.T) {
	f := newFixture(t, Config{Interval: 20 * time.Millisecond, Timeout: time.Second})
	f.client.On("FetchData", mock.Anything).Return(nil, api.ErrNetwork).Once()
	f.client.On("FetchData", mock.Anything).Return(testSnapshot(1), nil)

	require.NoError(t, f.coordinator.Start())
	assert.ErrorIs(t, f.coordinator.Start(), ErrAlreadyStarted)

	// the failed first fetch must not stop the schedule
	assert.Eventually(t, func() bool { return f.published.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateHealthy, f.coordinator.Status().State)
}

func TestScheduledTimeoutDoesNotStopSchedule(t *testing.T) {
	f := newFixture(t, Config{Interval: 30 * time.Millisecond, Timeout: 10 * time.Millisecond})
	f.client.On("FetchData", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded).Once()
	f.client.On("FetchData", mock.Anything).Return(testSnapshot(1), nil)

	require.NoError(t, f.coordinator.Start())

	assert.Eventually(t, func() bool { return f.published.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("entry-1", triggerScheduled, resultTimeout)))
}

func TestStopCancelsScheduleAndClosesClient(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond, Timeout: time.Second})
	f.client.On("FetchData", mock.Anything).Return(testSnapshot(1), nil)
	f.client.On("Close").Return(nil)

	require.NoError(t, f.coordinator.Start())
	require.Eventually(t, func() bool { return f.published.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coordinator.Stop())
	f.client.AssertCalled(t, "Close")

	time.Sleep(30 * time.Millisecond)
	after := f.published.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, f.published.count())
}

func TestStopPropagatesCloseError(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	closeErr := errors.New("connection reset")
	f.client.On("Close").Return(closeErr)

	err := f.coordinator.Stop()
	assert.ErrorIs(t, err, closeErr)
}

func TestHealthTransitions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.client.On("FetchData", mock.Anything).Return(nil, api.ErrNetwork).Twice()
	f.client.On("FetchData", mock.Anything).Return(testSnapshot(1), nil).Once()

	var observed []State
	f.coordinator.OnHealthChange(func(h Health) { observed = append(observed, h.State) })

	assert.Equal(t, StateUnknown, f.coordinator.Status().State)

	_ = f.coordinator.FetchOnce(context.Background())
	first := f.coordinator.Status()
	_ = f.coordinator.FetchOnce(context.Background())
	second := f.coordinator.Status()

	assert.Equal(t, StateDegraded, second.State)
	assert.Equal(t, 2, second.ConsecutiveFailures)
	assert.Equal(t, first.DegradedSince, second.DegradedSince)
	assert.NotEmpty(t, second.LastError)

	require.NoError(t, f.coordinator.FetchOnce(context.Background()))
	recovered := f.coordinator.Status()
	assert.Equal(t, StateHealthy, recovered.State)
	assert.Zero(t, recovered.ConsecutiveFailures)
	assert.True(t, recovered.DegradedSince.IsZero())

	assert.Equal(t, []State{StateDegraded, StateDegraded, StateHealthy}, observed)
}
