package server

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
)

// ServiceName is the health service name of the update loop. The empty
// name reports the same status.
const ServiceName = "blueconnect.UpdateCoordinator"

// HealthChecker implements the gRPC health checking protocol
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	mu       sync.RWMutex
	status   map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		status:   make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.status[req.Service]; ok {
		return &grpc_health_v1.HealthCheckResponse{
			Status: status,
		}, nil
	}

	return nil, status.Error(codes.NotFound, "unknown service")
}

// Watch streams the status of a service, starting with the current one.
// Unknown services report SERVICE_UNKNOWN until they are registered.
func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	// holds only the latest status not yet sent
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	h.mu.Lock()
	current, ok := h.status[req.Service]
	if !ok {
		current = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	if h.watchers[req.Service] == nil {
		h.watchers[req.Service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
	}
	h.watchers[req.Service][updates] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers[req.Service], updates)
		h.mu.Unlock()
	}()

	last := current
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		case next := <-updates:
			if next == last {
				continue
			}
			last = next
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: next}); err != nil {
				return err
			}
		}
	}
}

// SetServingStatus sets the serving status of a service. A watcher that
// has not sent the previous status yet gets this one instead.
func (h *HealthChecker) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status

	for ch := range h.watchers[service] {
		select {
		case <-ch:
		default:
		}
		// only SetServingStatus sends and it holds mu, the slot is free
		ch <- status
	}
}

// Track returns a coordinator health listener that keeps service and the
// empty service name in sync with the update loop.
func (h *HealthChecker) Track(service string) func(coordinator.Health) {
	return func(health coordinator.Health) {
		s := ServingStatus(health)
		h.SetServingStatus(service, s)
		h.SetServingStatus("", s)
	}
}

// ServingStatus maps the update loop health onto the gRPC protocol.
// Only a healthy loop is SERVING.
func ServingStatus(health coordinator.Health) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if health.State == coordinator.StateHealthy {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
