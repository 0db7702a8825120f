/*
Package rpc provides the operational surface shared by the executor and
shard-manager processes: an HTTP server for liveness/readiness/metrics, and a
gRPC server exposing only the standard grpc.health.v1 service.

The request/response RPCs a client actually drives (CreateWorker,
InvokeWorker, ConnectWorker, and the rest) are plain Go methods on
*executor.Executor and *shardmanager.Manager, not generated gRPC service stubs;
there is no .proto for this system. The one wire-level exception is
shardrpc.go, which serves the executor's AssignShards/RevokeShards to the
shard manager over net/rpc. Beyond that, this package supplies:

  - an HTTP mux (/health, /ready, /live, /metrics) for operators and
    orchestrators, backed by pkg/metrics' component registry; callers report
    their own readiness with metrics.RegisterComponent/UpdateComponent
    ("raft", "engine", ...) and HTTPServer just renders the aggregate.

  - a gRPC listener that answers Health.Check, which health.GRPCChecker can
    probe. SetServing flips the reported status; the process calls it once its
    executor/manager is ready to take traffic. The shard manager's control loop
    does not use this listener: ShardRPCDialer pairs each executor client with
    a health.TCPChecker on the net/rpc address.
*/
package rpc
