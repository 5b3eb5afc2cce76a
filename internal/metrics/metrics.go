package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	CyclesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_cycles_started_total",
			Help: "Total number of orchestration cycles started",
		},
		[]string{"intent"},
	)

	CyclesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_cycles_completed_total",
			Help: "Total number of orchestration cycles completed",
		},
		[]string{"intent", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exprisk_cycle_duration_seconds",
			Help:    "Orchestration cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"intent"},
	)

	SessionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_session_conflicts_total",
			Help: "Total number of submissions rejected because the session was busy",
		},
	)

	// Invocation metrics
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_agent_invocations_total",
			Help: "Total number of agent invocations",
		},
		[]string{"agent", "status"},
	)

	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exprisk_agent_invocation_duration_ms",
			Help:    "Agent invocation duration in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	AgentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_agent_retries_total",
			Help: "Total number of agent invocation retries",
		},
		[]string{"agent"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_rate_limit_rejections_total",
			Help: "Total number of invocations abandoned waiting for a rate limit slot",
		},
		[]string{"agent"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"breaker"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exprisk_sessions_active",
			Help: "Number of active sessions",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exprisk_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_session_cache_evictions_total",
			Help: "Total number of sessions evicted from cache",
		},
	)

	// Schedule metrics
	ScheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_schedule_runs_total",
			Help: "Total number of scheduled workflow runs",
		},
		[]string{"status"},
	)

	SchedulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exprisk_schedules_active",
			Help: "Number of enabled schedule entries",
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exprisk_search_requests_total",
			Help: "Total number of web search requests",
		},
		[]string{"provider", "status"},
	)

	// Report metrics
	ReportsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exprisk_reports_generated_total",
			Help: "Total number of reports generated",
		},
	)
)

// RecordCycleMetrics records metrics for a completed orchestration cycle.
func RecordCycleMetrics(intent, status string, durationSeconds float64) {
	CyclesCompleted.WithLabelValues(intent, status).Inc()
	CycleDuration.WithLabelValues(intent).Observe(durationSeconds)
}

// RecordInvocationMetrics records metrics for one agent invocation attempt.
func RecordInvocationMetrics(agent, status string, durationMs float64) {
	AgentInvocations.WithLabelValues(agent, status).Inc()
	AgentInvocationDuration.WithLabelValues(agent).Observe(durationMs)
}

// RecordScheduleRun records the outcome of one scheduled run.
func RecordScheduleRun(status string) {
	ScheduleRuns.WithLabelValues(status).Inc()
}
