package coordinator

import "time"

// State is the coarse health of the update loop
type State string

const (
	StateUnknown  State = "unknown"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
)

// Health describes the outcome of recent fetches. Polling continues
// while degraded.
type Health struct {
	State               State     `json:"state"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	DegradedSince       time.Time `json:"degraded_since,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func healthyAt(at time.Time) Health {
	return Health{
		State:       StateHealthy,
		LastSuccess: at,
	}
}

func (h Health) failed(at time.Time, err error) Health {
	next := h
	if next.State != StateDegraded {
		next.DegradedSince = at
	}
	next.State = StateDegraded
	next.LastError = err.Error()
	next.ConsecutiveFailures++
	return next
}
