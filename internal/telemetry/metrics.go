package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_submissions_total", Help: "Tool jobs accepted for processing"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	TransitionsApplied  = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_transitions_total", Help: "Status transitions committed to the ledger"})
	TransitionRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_transition_rejects_total", Help: "Transitions rejected as illegal"})
	CallbacksApplied    = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_callbacks_applied_total", Help: "Pipeline callbacks that drove a transition"})
	CallbackDuplicates  = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_callbacks_duplicate_total", Help: "Pipeline callbacks short-circuited as already processed"})
	CallbackRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_callbacks_rejected_total", Help: "Pipeline callbacks rejected (auth, validation, invalid transition)"})
	StaleJobsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_stale_jobs_failed_total", Help: "Jobs force-failed by the stale monitor"})
	MonitorSweeps       = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_monitor_sweeps_total", Help: "Stale monitor sweeps executed"})
	MonitorSkips        = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_monitor_skips_total", Help: "Monitor ticks skipped because a sweep was still running"})
	GatewayAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_gateway_attempts_total", Help: "External operation attempts issued by the gateway"})
	GatewayFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "toolfactory_gateway_failures_total", Help: "External operations that exhausted retries or failed terminally"})
	DispatchDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "toolfactory_dispatch_depth", Help: "Dispatch queue depth"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			RateLimitRejects,
			TransitionsApplied,
			TransitionRejects,
			CallbacksApplied,
			CallbackDuplicates,
			CallbackRejects,
			StaleJobsFailed,
			MonitorSweeps,
			MonitorSkips,
			GatewayAttempts,
			GatewayFailures,
			DispatchDepthGauge,
		)
	})
	return promhttp.Handler()
}
