//go:build integration
// +build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
	"github.com/tejusbharadwaj/blueconnect/internal/database"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	server "github.com/tejusbharadwaj/blueconnect/internal/grpc"
	"github.com/tejusbharadwaj/blueconnect/internal/integration"
	"github.com/tejusbharadwaj/blueconnect/internal/registry"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
	"github.com/tejusbharadwaj/blueconnect/internal/web"
)

const bufSize = 1024 * 1024

// mockAPI serves one pool whose temperature rises by one degree per
// measurement request. Setting failing makes every call return 500.
type mockAPI struct {
	*httptest.Server
	measurements atomic.Int64
	failing      atomic.Bool
}

func setupMockAPIServer(t *testing.T) *mockAPI {
	m := &mockAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user_id":"u-1"}`))
	})
	mux.HandleFunc("/user/preferences", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"display_temperature_unit":"celsius"}`))
	})
	mux.HandleFunc("/swimming_pool", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"swimming_pool_id":"P1","name":"Garden"}]}`))
	})
	mux.HandleFunc("/swimming_pool/P1/blue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"blue_device_serial":"S1","battery_low":true,"hw_product_name":"Blue Connect","hw_product_type":"Go"}]}`))
	})
	mux.HandleFunc("/swimming_pool/P1/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"current_message":{"id":"SWP_LOW_PH","title":"pH too low","message":"Add pH+"}}}`))
	})
	mux.HandleFunc("/swimming_pool/P1/blue/S1/lastMeasurements", func(w http.ResponseWriter, r *http.Request) {
		n := m.measurements.Add(1)
		fmt.Fprintf(w, `{"data":[{"name":"temperature","value":%d,"trend":"increase"},{"name":"orp","value":650}]}`, 24+n)
	})

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

type environment struct {
	api      *mockAPI
	entry    *integration.Entry
	http     *httptest.Server
	health   grpc_health_v1.HealthClient
	recorder *database.Recorder
}

func setupTestEnvironment(t *testing.T) *environment {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	mock := setupMockAPIServer(t)

	recorder, err := database.NewRecorder(context.Background(), "sqlite", filepath.Join(t.TempDir(), "states.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { recorder.Close() })

	store := sink.NewMemoryStore()
	checker := server.NewHealthChecker()

	s := scheduler.NewScheduler(context.Background(), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	factory := func(username, password string) api.Client {
		return api.NewBlueClient(api.Config{URL: mock.URL, Username: username, Password: password}, logger)
	}
	validator, err := api.NewCredentialValidator(factory, 4)
	require.NoError(t, err)

	entry, err := integration.Setup(context.Background(), integration.Config{
		Username: "user@example.com",
		Password: "secret",
		Update: coordinator.Config{
			Interval: time.Hour,
			Timeout:  2 * time.Second,
			Overlap:  scheduler.OverlapSkip,
		},
		Retention:   registry.RetainForever,
		EntityGauge: registry.NewEntitiesGauge(reg),
	}, integration.Dependencies{
		Scheduler:       s,
		Sink:            sink.Fanout{store, recorder},
		NewClient:       factory,
		Logger:          logger,
		Validator:       validator,
		Metrics:         coordinator.NewMetrics(reg),
		HealthListeners: []func(coordinator.Health){checker.Track(server.ServiceName)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { entry.Unload() })

	httpSrv := httptest.NewServer(web.NewServer(web.Options{
		Store:       store,
		Updater:     entry,
		History:     recorder,
		Gatherer:    reg,
		UpdateLimit: rate.Inf,
		Logger:      logger,
	}).Router())
	t.Cleanup(httpSrv.Close)

	grpcSrv, err := server.SetupServer(checker, server.DefaultServerConfig(), reg, logger)
	require.NoError(t, err)
	lis := bufconn.Listen(bufSize)
	go grpcSrv.Serve(lis)
	t.Cleanup(grpcSrv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &environment{
		api:      mock,
		entry:    entry,
		http:     httpSrv,
		health:   grpc_health_v1.NewHealthClient(conn),
		recorder: recorder,
	}
}

func (e *environment) states(t *testing.T) map[string]entity.Description {
	resp, err := http.Get(e.http.URL + "/api/states")
	require.NoError(t, err)
	defer resp.Body.Close()

	var list []entity.Description
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))

	states := make(map[string]entity.Description, len(list))
	for _, d := range list {
		states[d.UniqueID] = d
	}
	return states
}

func (e *environment) serving(t *testing.T) grpc_health_v1.HealthCheckResponse_ServingStatus {
	resp, err := e.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	return resp.Status
}

func TestPollingEndToEnd(t *testing.T) {
	env := setupTestEnvironment(t)

	require.Eventually(t, func() bool { return len(env.states(t)) == 4 }, 5*time.Second, 20*time.Millisecond)

	states := env.states(t)
	assert.Equal(t, "on", states["S1.battery"].State)
	assert.Equal(t, "on", states["P1.feed"].State)
	assert.Equal(t, 25.0, states["P1.temperature"].State)
	assert.Equal(t, "°C", states["P1.temperature"].Unit)
	assert.Equal(t, "mV", states["P1.orp"].Unit)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, env.serving(t))

	resp, err := http.Post(env.http.URL+web.UpdatePath, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	states = env.states(t)
	assert.Len(t, states, 4, "forced update must not duplicate entities")
	assert.Equal(t, 26.0, states["P1.temperature"].State)

	rows, err := env.recorder.History(context.Background(), "P1.temperature", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "26", rows[0].State)
}

func TestFailingAPIDegradesHealth(t *testing.T) {
	env := setupTestEnvironment(t)
	require.Eventually(t, func() bool {
		return env.serving(t) == grpc_health_v1.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	env.api.failing.Store(true)

	resp, err := http.Post(env.http.URL+web.UpdatePath, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, env.serving(t))

	resp, err = http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health coordinator.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, 1, health.ConsecutiveFailures)

	// entities keep their last known state
	assert.Len(t, env.states(t), 4)
}
