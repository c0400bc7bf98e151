package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/broker"
	"github.com/tejusbharadwaj/blueconnect/internal/config"
	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
	"github.com/tejusbharadwaj/blueconnect/internal/database"
	server "github.com/tejusbharadwaj/blueconnect/internal/grpc"
	"github.com/tejusbharadwaj/blueconnect/internal/integration"
	"github.com/tejusbharadwaj/blueconnect/internal/registry"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
	"github.com/tejusbharadwaj/blueconnect/internal/web"
)

const (
	shutdownTimeout      = 10 * time.Second
	credentialCacheSize  = 16
	recorderStartTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the API and serve the admin surface",
	Long: `Set up the configured entry and keep it running.

The server will:
  - Validate the credentials with a live user lookup
  - Fetch immediately, then every update.interval
  - Serve the HTTP admin surface on server.http_port
  - Serve the gRPC health service on server.grpc_port
  - Record entity events to SQL and publish them over AMQP when enabled

The server runs until interrupted (Ctrl+C) or receives SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	entryID := uuid.NewString()
	store := sink.NewMemoryStore()
	sinks := sink.Fanout{store}

	var history web.HistoryReader
	if cfg.Recorder.Enabled {
		rctx, cancel := context.WithTimeout(ctx, recorderStartTimeout)
		recorder, err := database.NewRecorder(rctx, cfg.Recorder.Driver, cfg.Recorder.DSN, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open recorder: %w", err)
		}
		defer recorder.Close()
		sinks = append(sinks, recorder)
		history = recorder
		logger.WithField("driver", cfg.Recorder.Driver).Info("Recording entity states")
	}

	if cfg.Broker.Enabled {
		publisher, err := broker.Dial(broker.Config{
			DSN:           cfg.Broker.DSN,
			Exchange:      cfg.Broker.Exchange,
			TLS:           cfg.Broker.TLS,
			RetryAttempts: cfg.Broker.RetryAttempts,
		}, entryID, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	health := server.NewHealthChecker()
	health.SetServingStatus(server.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	sched := scheduler.NewScheduler(ctx, logger)
	validator, err := api.NewCredentialValidator(clientFactory(cfg, logger), credentialCacheSize)
	if err != nil {
		return err
	}

	entry, err := integration.Setup(ctx, entryConfig(cfg, entryID, registry.NewEntitiesGauge(reg)), integration.Dependencies{
		Scheduler:       sched,
		Sink:            sinks,
		NewClient:       clientFactory(cfg, logger),
		Logger:          logger,
		Validator:       validator,
		Metrics:         coordinator.NewMetrics(reg),
		HealthListeners: []func(coordinator.Health){health.Track(server.ServiceName)},
	})
	if err != nil {
		return fmt.Errorf("failed to set up entry: %w", err)
	}

	surface := adminSurface{
		entry:   entry,
		health:  health,
		store:   store,
		history: history,
		reg:     reg,
		logger:  logger,
	}
	grpcServer, errChan, err := surface.start(ctx, cfg.Server)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-errChan:
		logger.WithError(err).Error("Server failed")
	}

	shutdown(entry, sched, grpcServer, logger)
	return err
}

// adminSurface is what the gRPC and HTTP servers expose of a set up entry
type adminSurface struct {
	entry   *integration.Entry
	health  *server.HealthChecker
	store   *sink.MemoryStore
	history web.HistoryReader
	reg     *prometheus.Registry
	logger  *logrus.Logger
}

// start serves gRPC health and the HTTP admin API. gRPC serve errors are
// sent on the returned channel. If a server cannot start, the ones already
// running are stopped and the entry is unloaded.
func (a adminSurface) start(ctx context.Context, cfg config.ServerConfig) (*grpc.Server, <-chan error, error) {
	grpcServer, err := server.SetupServer(a.health, server.DefaultServerConfig(), a.reg, a.logger)
	if err != nil {
		a.unload()
		return nil, nil, fmt.Errorf("failed to set up gRPC server: %w", err)
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)))
	if err != nil {
		a.unload()
		return nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	a.logger.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")

	httpServer := web.NewServer(web.Options{
		Host:        cfg.Host,
		Port:        cfg.HTTPPort,
		Store:       a.store,
		Updater:     a.entry,
		History:     a.history,
		Gatherer:    a.reg,
		UpdateLimit: rate.Limit(cfg.ForceUpdateRate),
		UpdateBurst: cfg.ForceUpdateBurst,
		Logger:      a.logger,
	})
	if err := httpServer.Start(ctx); err != nil {
		grpcServer.Stop()
		a.unload()
		return nil, nil, err
	}
	return grpcServer, errChan, nil
}

func (a adminSurface) unload() {
	if err := a.entry.Unload(); err != nil {
		a.logger.WithError(err).Warn("Failed to unload entry")
	}
}

func entryConfig(cfg *config.Config, id string, gauge *prometheus.GaugeVec) integration.Config {
	return integration.Config{
		ID:       id,
		Username: cfg.Entry.Username,
		Password: cfg.Entry.Password,
		Update: coordinator.Config{
			Interval: cfg.Update.Interval,
			Timeout:  cfg.Update.Timeout,
			Overlap:  scheduler.Overlap(cfg.Update.Overlap),
		},
		Retention:   registry.Retention(cfg.Registry.Retention),
		EntityGauge: gauge,
	}
}

// shutdown stops the transports, unloads the entry and waits for running
// jobs. The recorder and publisher are closed by the deferred calls after.
func shutdown(entry *integration.Entry, sched *scheduler.Scheduler, grpcServer *grpc.Server, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// open health Watch streams keep GracefulStop waiting
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	if err := entry.Unload(); err != nil {
		logger.WithError(err).Warn("Failed to unload entry")
	}
	if err := sched.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Shutdown timed out")
	}
	logger.Info("Shutdown complete")
}
