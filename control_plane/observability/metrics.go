package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Agents ===

	// AgentsByStatus tracks registered agents per effective status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeci_agents",
		Help: "Current number of agents by effective status",
	}, []string{"status"})

	// ConnectedAgents tracks agents that pinged within the lost-contact window.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeci_connected_agents",
		Help: "Current number of agents in contact with the server",
	})

	// RemotingRequests counts agent remoting calls by method and outcome.
	RemotingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_remoting_requests_total",
		Help: "Agent remoting requests by method and outcome",
	}, []string{"method", "outcome"})

	// RemotingRejections counts remoting calls refused before reaching a handler.
	RemotingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_remoting_rejections_total",
		Help: "Agent remoting requests rejected",
	}, []string{"reason"}) // identity_mismatch, duplicate_uuid, bad_request, rate_limited

	// RemotingLatency tracks remoting handler latency.
	RemotingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forgeci_remoting_latency_seconds",
		Help:    "Agent remoting handler latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"method"})

	// APIRateLimited tracks requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// === Jobs ===

	// JobTransitions counts persisted job state transitions.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_job_transitions_total",
		Help: "Persisted job state transitions",
	}, []string{"state"})

	// JobResults counts completed jobs by result.
	JobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_job_results_total",
		Help: "Completed jobs by result",
	}, []string{"result"})

	// JobPersistFailures counts transitions that failed to persist.
	JobPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeci_job_persist_failures_total",
		Help: "Job status updates that failed to persist",
	})

	// JobDurationSeconds tracks assignment to completion time.
	JobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forgeci_job_duration_seconds",
		Help:    "Time from assignment to completion",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	})

	// UnresponsiveJobsCancelled counts jobs cancelled for lack of console output.
	UnresponsiveJobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeci_unresponsive_jobs_cancelled_total",
		Help: "Jobs cancelled because they produced no console output in time",
	})

	// === Scheduler ===

	// SchedulerQueueDepth tracks current queue depth (circuit breaker signal).
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeci_scheduler_queue_depth",
		Help: "Current number of jobs waiting for an agent",
	})

	// QueueOldestJobAge tracks the age of the oldest waiting job.
	QueueOldestJobAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeci_queue_oldest_job_age_seconds",
		Help: "Age of the oldest job in the queue in seconds",
	})

	// SchedulerDecisions tracks the number of decisions made by type.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	// SchedulerRejections tracks jobs refused by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_scheduler_rejections_total",
		Help: "Jobs rejected by scheduler admission control",
	}, []string{"reason"})

	// SchedulerCircuitState tracks circuit breaker state.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeci_scheduler_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// SchedulerTaskWaitSeconds tracks queue wait time.
	SchedulerTaskWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forgeci_scheduler_job_wait_seconds",
		Help:    "Time jobs spend waiting in queue before assignment",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// === Events ===

	// TopicQueueDepth tracks undelivered messages per topic.
	TopicQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeci_topic_queue_depth",
		Help: "Messages waiting to be delivered per topic",
	}, []string{"topic"})

	// TopicHandlerFailures counts subscriber handlers that returned an error or panicked.
	TopicHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_topic_handler_failures_total",
		Help: "Topic subscriber failures",
	}, []string{"topic"})

	// EventPublishFailures tracks failed external event publish attempts (best-effort).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_event_publish_failures_total",
		Help: "Failed event export attempts",
	}, []string{"event_type", "reason"})

	// === Dashboard ===

	// DashboardPipelines tracks entries in the dashboard cache.
	DashboardPipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeci_dashboard_pipelines",
		Help: "Pipelines currently held in the dashboard cache",
	})

	// DashboardRebuilds counts dashboard entry rebuilds by trigger.
	DashboardRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_dashboard_rebuilds_total",
		Help: "Dashboard entry rebuilds",
	}, []string{"trigger", "outcome"})

	// WebSocketConnections tracks open dashboard streams.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeci_websocket_connections",
		Help: "Open dashboard websocket connections",
	})

	// === Caches and storage ===

	// CacheLookups counts cache hits and misses.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_cache_lookups_total",
		Help: "Cache lookups by cache and outcome",
	}, []string{"cache", "outcome"})

	// ConsoleBytesWritten counts console bytes appended.
	ConsoleBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeci_console_bytes_written_total",
		Help: "Console log bytes written",
	})

	// ConsoleRelocations counts completion-time console moves.
	ConsoleRelocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_console_relocations_total",
		Help: "Console logs relocated to artifacts",
	}, []string{"outcome"}) // moved, skipped, failed

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forgeci_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// IdempotencyClaims counts once-only claims by outcome.
	IdempotencyClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeci_idempotency_claims_total",
		Help: "Once-only action claims",
	}, []string{"outcome"}) // acquired, duplicate
)
