/*
Package metrics provides Prometheus metrics and component health for outpost.

All collectors are package variables registered with the default registry at
init, and Handler exposes them for scraping:

	http.Handle("/metrics", metrics.Handler())

# Metric Categories

Exposures:
  - outpost_exposures_total{provider,state}: exposures per provider and state
  - outpost_exposure_state{domain,state}: one-hot state per domain
  - outpost_deployments_total{domain}: relay deployments started

Provider:
  - outpost_stack_operations_total{operation,result}: CloudFormation calls
  - outpost_stack_operation_duration_seconds{operation}: call latency, retries included
  - outpost_provision_duration_seconds: stack submission to live tunnel

Reconciler, tunnel and watchdog:
  - outpost_reconciliation_duration_seconds
  - outpost_reconciliation_errors_total{kind}
  - outpost_tunnel_bytes{domain,direction}
  - outpost_tunnel_handshake_age_seconds{domain}
  - outpost_watchdog_consecutive_failures{domain}
  - outpost_stacks_vanished_total{domain}

Readiness and CDN:
  - outpost_readiness_signals_total{outcome}
  - outpost_cdn_restarts_total{domain}

# Timing

Timer wraps time.Since for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Collector

Collector polls a StatusSource (the manager) every 15 seconds and refreshes the
per-exposure gauges, so the reconcilers only update counters inline.

# Component Health

RegisterComponent and UpdateComponent feed the /health and /ready handlers.
/health is unhealthy when any component is; /ready only waits for the critical
components set with SetCriticalComponents (config and readiness by default).
/live always answers 200 while the process runs.
*/
package metrics
