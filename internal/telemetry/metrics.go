package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_jobs_created_total", Help: "Jobs created by producers"})
	JobsLeased        = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_jobs_leased_total", Help: "Leases acquired"})
	LeaseConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_lease_conflicts_total", Help: "Lease races lost to another worker"})
	LockContention    = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_family_lock_busy_total", Help: "Family lock acquisitions refused"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_jobs_succeeded_total", Help: "Jobs finished succeeded"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_jobs_failed_total", Help: "Jobs finished failed"})
	JobsNeedsReview   = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_jobs_needs_review_total", Help: "Jobs routed to human review"})
	RepairAttempts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_repair_attempts_total", Help: "Repair-loop retries"})
	GateBlocked       = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_apply_gate_blocked_total", Help: "Apply-mode jobs refused by the safety gate"})
	QualityWarnings   = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_quality_warnings_total", Help: "Post-apply quality heuristic failures"})
	WatchdogRecovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_watchdog_recovered_total", Help: "Expired leases requeued by the watchdog"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "curation_rate_limit_rejects_total", Help: "Producer requests rejected by the rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "curation_jobs_inflight", Help: "Jobs currently leased by this worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsLeased,
			LeaseConflicts,
			LockContention,
			JobsSucceeded,
			JobsFailed,
			JobsNeedsReview,
			RepairAttempts,
			GateBlocked,
			QualityWarnings,
			WatchdogRecovered,
			RateLimitRejects,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
