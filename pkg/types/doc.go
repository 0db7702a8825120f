/*
Package types defines the core data structures shared across Golem's durable execution
engine and shard manager.

This package contains the domain model used by every other package for state
reconstruction, RPC marshalling, and placement: workers, oplog entries, promises, the
shard map, and component metadata. It has no behavior of its own — construction,
validation, and persistence live in the packages that own each concern (pkg/worker,
pkg/oplog, pkg/promise, pkg/shard).

# Architecture

  - Worker identity and lifecycle (Worker, WorkerStatus, RetryPolicy)
  - Oplog entry variants (OplogEntry, OplogEntryKind, and their payload structs)
  - Host-call classification (WrappedFunctionType)
  - Awaitable values (Promise, PromiseState)
  - Placement (ExecutorNode, NodeHealth, ShardMap, RebalancePlan)
  - Component artifacts (ComponentMetadata)

# Core Types

Worker lifecycle:
  - Worker: durable metadata for one worker instance
  - WorkerStatus: Idle, Running, Suspended, Interrupting, Interrupted, Retrying, Failed, Exited, Deleted
  - RetryPolicy: exponential backoff knobs governing Failed->Retrying->Running

Oplog:
  - OplogEntry: one append-only, immutable, gap-free log slot
  - OplogEntryKind: the closed set of variants from spec section 4.1
  - *Payload structs: decoded, variant-specific bodies

Host calls:
  - WrappedFunctionType: ReadLocal, WriteLocal, ReadRemote, WriteRemote, WriteRemoteBatched

Placement:
  - ShardMap: ShardId -> node assignment, plus the alive-node set
  - RebalancePlan: per-node assign/revoke set-difference
  - NodeHealth: Healthy, Suspect, Dead

All types are:
  - Serializable (JSON)
  - Passed by value where small (WorkerId, ShardId), by pointer-to-struct for mutable
    aggregates (Worker)
  - Closed over a fixed variant set where the spec calls for exhaustive dispatch
    (OplogEntryKind, WrappedFunctionType)

# Usage

Constructing a fresh worker record:

	w := &types.Worker{
		Id:               workerID,
		ComponentVersion: 1,
		Status:           types.WorkerStatusIdle,
		RetryPolicy:      types.DefaultRetryPolicy(),
		CreatedAt:        time.Now(),
	}

Appending an imported-function-invoked entry (via pkg/oplog, not directly):

	payload, _ := json.Marshal(types.ImportedFunctionInvokedPayload{
		FunctionName: "host::clock::now",
		FunctionType: types.ReadLocal,
		Response:     encodedNow,
	})
	store.Append(ctx, workerID, types.OplogEntryKind(types.EntryImportedFunctionInvoked), payload)
*/
package types
