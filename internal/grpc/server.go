package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	middleware "github.com/tejusbharadwaj/blueconnect/internal/grpc/middlewares"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0, // 5 requests per second
		RateLimitBurst: 10,  // Burst of 10 requests
	}
}

// gRPC Server Configuration without the middleware (for development and debug only)
func ConfigureGRPCServer(health *HealthChecker, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, health)
	return srv
}

// SetupServer initializes and configures the gRPC server with all middleware
func SetupServer(
	health *HealthChecker,
	config ServerConfig,
	reg prometheus.Registerer,
	logger logrus.FieldLogger,
) (*grpc.Server, error) {
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)

	// Create server with chained interceptors
	server := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.ContextMiddleware,                   // Add request ID first
				middleware.NewRateLimitingInterceptor(limiter), // Rate limit early
				middleware.NewLoggingInterceptor(logger),       // Log all requests (with request ID)
				middleware.NewMetricsInterceptor(metrics),      // Collect metrics
			),
		),
	)

	grpc_health_v1.RegisterHealthServer(server, health)

	return server, nil
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			chainedInterceptor := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, chainedInterceptor)
			}
		}
		return chain(ctx, req)
	}
}
