package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_workers_total",
			Help: "Number of resident worker instances by status",
		},
		[]string{"status"},
	)

	ActiveSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_active_set_size",
			Help: "Number of worker instances currently held in the active set",
		},
	)

	ActiveSetEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_active_set_evictions_total",
			Help: "Total number of worker instances evicted from the active set",
		},
	)

	// Invocation metrics
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golem_invocation_duration_seconds",
			Help:    "Time taken to execute an exported-function invocation, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	InvocationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_invocation_retries_total",
			Help: "Total number of invocation attempts retried after a trap",
		},
	)

	InvocationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_invocations_failed_total",
			Help: "Total number of invocations that exhausted their retry policy",
		},
	)

	// Oplog metrics
	OplogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_oplog_append_duration_seconds",
			Help:    "Time taken to durably append a single oplog entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogEntriesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_oplog_entries_appended_total",
			Help: "Total number of oplog entries appended, by entry kind",
		},
		[]string{"kind"},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_replay_duration_seconds",
			Help:    "Time taken to replay a worker's history to resume its instance",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplayedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_replayed_entries_total",
			Help: "Total number of oplog entries processed during replay",
		},
	)

	// Component cache metrics
	ComponentCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_component_cache_hits_total",
			Help: "Total number of component-cache lookups served without a compile",
		},
	)

	ComponentCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_component_cache_misses_total",
			Help: "Total number of component-cache lookups that triggered a compile",
		},
	)

	ComponentCompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_component_compile_duration_seconds",
			Help:    "Time taken to compile and link a component",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Shard manager metrics
	ShardManagerNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_nodes_total",
			Help: "Number of registered executor nodes by liveness status",
		},
		[]string{"status"},
	)

	ShardManagerShardsAssigned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_shards_assigned",
			Help: "Number of shards acknowledged as owned by a node",
		},
		[]string{"node_id"},
	)

	ShardManagerRebalancePlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_shardmanager_rebalance_plans_total",
			Help: "Total number of rebalance plans applied, by whether they were essential",
		},
		[]string{"essential"},
	)

	ShardManagerShardsMovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_shardmanager_shards_moved_total",
			Help: "Total number of shard (re)assignments issued across all rebalances",
		},
	)

	ShardManagerRaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_raft_is_leader",
			Help: "Whether this shard-manager replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	ShardManagerRaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_raft_peers_total",
			Help: "Total number of Raft peers in the shard-manager cluster",
		},
	)

	ShardManagerRaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	ShardManagerRaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_shardmanager_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Router metrics
	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_router_requests_total",
			Help: "Total number of worker invocation requests routed, by outcome",
		},
		[]string{"outcome"},
	)

	RouterRedirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_router_redirects_total",
			Help: "Total number of UnknownShard/WrongShard redirects encountered while routing",
		},
		[]string{"reason"},
	)

	RouterNegativeCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_router_negative_cache_size",
			Help: "Number of nodes currently held in the router's negative cache",
		},
	)

	// Executor reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_reconciliation_duration_seconds",
			Help:    "Time taken for an executor reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_reconciliation_evictions_total",
			Help: "Total number of resident workers evicted by a reconciliation sweep",
		},
	)

	// Health-check metrics
	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golem_health_check_duration_seconds",
			Help:    "Time taken for a single health probe, by checker type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_health_check_failures_total",
			Help: "Total number of failed health probes, by checker type",
		},
		[]string{"type"},
	)
)

func init() {
	// Worker and active-set metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ActiveSetSize)
	prometheus.MustRegister(ActiveSetEvictionsTotal)

	// Invocation metrics
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(InvocationRetriesTotal)
	prometheus.MustRegister(InvocationsFailedTotal)

	// Oplog and replay metrics
	prometheus.MustRegister(OplogAppendDuration)
	prometheus.MustRegister(OplogEntriesAppendedTotal)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(ReplayedEntriesTotal)

	// Component cache metrics
	prometheus.MustRegister(ComponentCacheHitsTotal)
	prometheus.MustRegister(ComponentCacheMissesTotal)
	prometheus.MustRegister(ComponentCompileDuration)

	// Shard manager metrics
	prometheus.MustRegister(ShardManagerNodesTotal)
	prometheus.MustRegister(ShardManagerShardsAssigned)
	prometheus.MustRegister(ShardManagerRebalancePlansTotal)
	prometheus.MustRegister(ShardManagerShardsMovedTotal)
	prometheus.MustRegister(ShardManagerRaftLeader)
	prometheus.MustRegister(ShardManagerRaftPeers)
	prometheus.MustRegister(ShardManagerRaftLogIndex)
	prometheus.MustRegister(ShardManagerRaftAppliedIndex)

	// Router metrics
	prometheus.MustRegister(RouterRequestsTotal)
	prometheus.MustRegister(RouterRedirectsTotal)
	prometheus.MustRegister(RouterNegativeCacheSize)

	// Health-check metrics
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(HealthCheckFailuresTotal)

	// Executor reconciliation metrics
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationEvictionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
