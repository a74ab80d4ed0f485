package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	VisitsFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_visits_fetched_total",
			Help: "Total number of visits retrieved from the analytics API (count)",
		},
		[]string{"site"},
	)

	ConversionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_conversion_events_total",
			Help: "Conversion events by platform and outcome: succeeded, failed, skipped (count)",
		},
		[]string{"platform", "status"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convsync_dispatch_duration_ms",
			Help:    "Duration of one platform dispatch for one site in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"platform", "status"},
	)

	SiteRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_site_runs_total",
			Help: "Sites processed by outcome: ok, failed, skipped (count)",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convsync_run_duration_seconds",
			Help:    "Wall-clock duration of one scheduled run in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_retry_attempts_total",
			Help: "Total number of retried outbound requests (count)",
		},
		[]string{"component"},
	)

	RateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convsync_rate_limit_wait_ms",
			Help:    "Time spent waiting on the outbound rate limiter in milliseconds",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"platform"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)
)

// RegisterPipelineMetrics registers every collector on the default registry. Safe to call
// more than once.
func RegisterPipelineMetrics() {
	collectors := []prometheus.Collector{
		VisitsFetchedTotal,
		ConversionEventsTotal,
		DispatchDuration,
		SiteRunsTotal,
		RunDuration,
		RetryAttemptsTotal,
		RateLimitWait,
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func RecordVisitsFetched(siteID, count int) {
	VisitsFetchedTotal.WithLabelValues(strconv.Itoa(siteID)).Add(float64(count))
}

func RecordConversionEvents(platform string, succeeded, failed, skipped int) {
	ConversionEventsTotal.WithLabelValues(platform, "succeeded").Add(float64(succeeded))
	ConversionEventsTotal.WithLabelValues(platform, "failed").Add(float64(failed))
	ConversionEventsTotal.WithLabelValues(platform, "skipped").Add(float64(skipped))
}

func RecordDispatchDuration(platform, status string, duration time.Duration) {
	DispatchDuration.WithLabelValues(platform, status).Observe(float64(duration.Milliseconds()))
}

func RecordSiteRun(status string) {
	SiteRunsTotal.WithLabelValues(status).Inc()
}

func RecordRunDuration(duration time.Duration) {
	RunDuration.Observe(duration.Seconds())
}

func RecordRetryAttempt(component string) {
	RetryAttemptsTotal.WithLabelValues(component).Inc()
}

func RecordRateLimitWait(platform string, waited time.Duration) {
	RateLimitWait.WithLabelValues(platform).Observe(float64(waited.Milliseconds()))
}
