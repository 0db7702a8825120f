/*
Package metrics defines and registers Golem's Prometheus metrics: worker lifecycle
and active-set occupancy, invocation latency and retries, oplog append/replay
timing, component-cache hit rate, the shard manager's node/raft/rebalance figures,
and the router's redirect and negative-cache counters. Metrics are exposed over
HTTP for scraping via Handler(), and HealthChecker/HealthStatus provide a
process-level liveness/readiness JSON endpoint independent of Prometheus scraping.

# Architecture

	┌──────────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                                 │
	│  pkg/guest         → ComponentCache{Hits,Misses}Total          │
	│  pkg/shardmanager  → ShardManagerNodesTotal, ...Raft*          │
	│  pkg/router        → RouterRequestsTotal, RouterRedirectsTotal │
	│  pkg/reconciler    → ReconciliationDuration, ...EvictionsTotal │
	│                                                                 │
	│  the worker, invocation, oplog and health-check metrics are     │
	│  registered, but no package in this module records them         │
	│                                                                 │
	│  all registered via prometheus.MustRegister in init()          │
	│  scraped at metrics.Handler() (promhttp)                       │
	└─────────────────────────────────────────────────────────────────┘

# Timer

Timer is a small stopwatch helper: NewTimer() at the start of an operation, then
ObserveDuration/ObserveDurationVec once it completes, rather than every call site
computing time.Since by hand.

# Health endpoint

HealthChecker tracks named component health independently of metric scraping, so a
process can answer a liveness/readiness probe even when Prometheus itself is
unreachable. Register a component with RegisterComponent, update it as conditions
change, and serve HealthChecker's handler alongside Handler().
*/
package metrics
