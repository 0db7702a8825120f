/*
Package health provides pluggable liveness probes for the shard manager's control loop
(spec section 4.9): "reachability by gRPC or liveness via an orchestrator" is the
abstraction named by spec, implemented here as a Checker interface with TCP, GRPC, and
K8S strategies.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┼─────────┬─────────┐
	    ▼    ▼         ▼         ▼
	┌────┐┌────────┐┌──────┐
	│TCP ││  GRPC  ││ K8S  │
	└────┘└────────┘└──────┘
	    │      │        │
	    ▼      ▼        ▼
	Connect  grpc.health  GET /readyz
	:port    .v1.Health

# Flow

The shard manager's control loop (pkg/shardmanager) runs one Checker per registered
node on a configurable interval: first miss marks the node *suspect*, k consecutive
misses marks it *dead* and triggers immediate essential rebalancing of its shards.

# GRPC checks

GRPCChecker dials an executor's address and calls the standard
grpc.health.v1.Health/Check RPC using grpc-go's prebuilt client/server stubs — no
hand-written protobuf service is needed since the health service ships compiled inside
google.golang.org/grpc itself.

# K8S checks

K8SChecker polls a plain HTTP readiness endpoint, the shape an orchestrator exposes for
pod readiness/liveness probes. No Kubernetes client library is part of this corpus, so a
minimal net/http poll stands in for a full client-go dependency.

# Usage

	checker := health.NewGRPCChecker("executor-3:9090")
	result := checker.Check(ctx)
	status.Update(result, health.DefaultConfig())
	if !status.Healthy {
		// mark the node suspect/dead and trigger a rebalance
	}

Status implements hysteresis (k consecutive failures before flipping to unhealthy, one
success to recover) so a single transient miss never triggers a shard rebalance.
*/
package health
