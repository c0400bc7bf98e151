package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess   = "success"
	resultTimeout   = "timeout"
	resultError     = "error"
	resultCancelled = "cancelled" // caller's context ended first

	triggerScheduled = "scheduled"
	triggerForced    = "forced"
)

// Metrics holds the fetch metrics shared by all coordinators of a process
type Metrics struct {
	Fetches     *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	LastSuccess *prometheus.GaugeVec
}

// NewMetrics creates the fetch metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "blueconnect",
				Name:      "fetches_total",
				Help:      "Number of API fetches by trigger and result",
			},
			[]string{"entry_id", "trigger", "result"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "blueconnect",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of API fetches",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"entry_id"},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "blueconnect",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful fetch",
			},
			[]string{"entry_id"},
		),
	}
	reg.MustRegister(m.Fetches, m.Latency, m.LastSuccess)
	return m
}

func (m *Metrics) observe(entryID, trigger, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(entryID, trigger, result).Inc()
	m.Latency.WithLabelValues(entryID).Observe(duration.Seconds())
	if result == resultSuccess {
		m.LastSuccess.WithLabelValues(entryID).SetToCurrentTime()
	}
}
