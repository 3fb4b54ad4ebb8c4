package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Exposure metrics
	ExposuresTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_exposures_total",
			Help: "Total number of exposures by provider and state",
		},
		[]string{"provider", "state"},
	)

	ExposureState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_exposure_state",
			Help: "Current state of each exposure (1 for the active state, 0 otherwise)",
		},
		[]string{"domain", "state"},
	)

	Deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_deployments_total",
			Help: "Total number of relay deployments started per domain",
		},
		[]string{"domain"},
	)

	// Provider metrics
	StackOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_stack_operations_total",
			Help: "Total number of stack API operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	StackOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_stack_operation_duration_seconds",
			Help:    "Stack API call duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_provision_duration_seconds",
			Help:    "Time from stack submission to a live tunnel in seconds",
			Buckets: []float64{30, 60, 120, 180, 300, 450, 600, 900},
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_reconciliation_duration_seconds",
			Help:    "Time taken by one reconcile pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_reconciliation_errors_total",
			Help: "Total number of failed reconcile actions by kind",
		},
		[]string{"kind"},
	)

	// Tunnel and watchdog metrics
	TunnelBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_tunnel_bytes",
			Help: "Bytes through the tunnel since the interface was configured",
		},
		[]string{"domain", "direction"},
	)

	HandshakeAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_tunnel_handshake_age_seconds",
			Help: "Seconds since the last WireGuard handshake with the relay",
		},
		[]string{"domain"},
	)

	WatchdogFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_watchdog_consecutive_failures",
			Help: "Consecutive failed watchdog checks",
		},
		[]string{"domain"},
	)

	StacksVanished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_stacks_vanished_total",
			Help: "Total number of stacks found destroyed while still desired",
		},
		[]string{"domain"},
	)

	// Readiness metrics
	ReadinessSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_readiness_signals_total",
			Help: "Total number of relay readiness waits by outcome",
		},
		[]string{"outcome"},
	)

	// CDN metrics
	CDNRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_cdn_restarts_total",
			Help: "Total number of cloudflared restarts",
		},
		[]string{"domain"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExposuresTotal)
	prometheus.MustRegister(ExposureState)
	prometheus.MustRegister(Deployments)
	prometheus.MustRegister(StackOperationsTotal)
	prometheus.MustRegister(StackOperationDuration)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationErrors)
	prometheus.MustRegister(TunnelBytes)
	prometheus.MustRegister(HandshakeAge)
	prometheus.MustRegister(WatchdogFailures)
	prometheus.MustRegister(StacksVanished)
	prometheus.MustRegister(ReadinessSignals)
	prometheus.MustRegister(CDNRestarts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
