package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingGauge tracks per-(service, SKU) pending queue depth.
	PendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fairqueue_pending_rows",
		Help: "Current number of pending rows per service and SKU",
	}, []string{"service", "sku"})

	// InProgressGauge tracks per-service in-flight row count.
	InProgressGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fairqueue_in_progress_rows",
		Help: "Current number of in-progress rows per service",
	}, []string{"service"})

	// TransitionsTotal counts row status transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_row_transitions_total",
		Help: "Total number of row status transitions",
	}, []string{"service", "from", "to"})

	// DispatchDuration tracks per-service handler execution time.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fairqueue_dispatch_duration_seconds",
		Help:    "Duration of handler.execute calls per service",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	// RetriesTotal counts rows moved Failed -> Retrying.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_retries_total",
		Help: "Total number of rows retried after handler failure",
	}, []string{"service"})

	// DeadLetteredTotal counts rows moved Failed -> DeadLettered.
	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_dead_lettered_total",
		Help: "Total number of rows dead-lettered after exceeding max_retries",
	}, []string{"service"})

	// TickDuration tracks the duration of one full poller tick across all services.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairqueue_poller_tick_duration_seconds",
		Help:    "Duration of one poller tick across all configured services",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerRejections tracks candidates dropped by the scheduler filters.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_scheduler_rejections_total",
		Help: "Candidates dropped by the scheduler before dispatch",
	}, []string{"service", "reason"}) // reason: tenant_locked, capacity_exhausted, admission_shed

	// CircuitState tracks the per-service admission circuit breaker state.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fairqueue_circuit_state",
		Help: "Admission circuit breaker state per service (0=closed, 1=half_open, 2=open)",
	}, []string{"service"})

	// LeaderStatus tracks whether this replica currently holds leadership.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fairqueue_leader_status",
		Help: "Current leader status of this replica (1 = leader, 0 = follower)",
	})

	// LeadershipEpoch tracks the current fencing epoch held by the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fairqueue_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions counts leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time from step-down to becoming leader again.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairqueue_leader_transition_duration_seconds",
		Help:    "Time taken for a leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// StuckRowsReclaimed counts rows the sweeper found stuck InProgress past
	// their staleness threshold and forced back to Pending/Failed.
	StuckRowsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairqueue_stuck_rows_reclaimed_total",
		Help: "Rows reclaimed by the stuck-row sweeper after being stuck in-progress",
	}, []string{"service"})

	// RedisLatency tracks coordination-backend (Redis) roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairqueue_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for the coordination layer",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
