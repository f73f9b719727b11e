package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_active_sessions",
			Help: "Number of currently active client sessions",
		},
	)

	// Resource metrics
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudburst_allocations_total",
			Help: "Allocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	AvailableCPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_available_cpus",
			Help: "Sum of available CPUs across the worker pool",
		},
	)

	// Job metrics
	JobsByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudburst_jobs",
			Help: "Jobs currently tracked, by phase",
		},
		[]string{"phase"},
	)

	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudburst_job_transitions_total",
			Help: "Job state transitions by target phase",
		},
		[]string{"phase"},
	)

	// Request handler metrics
	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_connected_clients",
			Help: "Number of websocket clients currently connected",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudburst_requests_total",
			Help: "Handled requests by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// Scheduler metrics
	ServiceRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudburst_service_restarts_total",
			Help: "Container services recreated after a failed task state",
		},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		ActiveSessions,
		AllocationsTotal,
		AvailableCPUs,
		JobsByPhase,
		JobTransitionsTotal,
		ConnectedClients,
		RequestsTotal,
		ServiceRestartsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
