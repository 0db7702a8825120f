/*
Package worker implements the durable worker state machine: the per-worker instance
that replays its oplog, serializes invocation execution, and drives suspension,
interruption, retry, and update transitions.

A worker instance is the execution half of durability; the oplog (pkg/oplog) is the
record it replays against, and the durability wrapper (pkg/durability) is what makes
every side-effecting call either match recorded history or append a new entry.

# Architecture

The Engine is the single point through which every live instance on an executor is
created, replayed, invoked, and evicted:

	┌───────────────────────── ENGINE ──────────────────────────────┐
	│                                                                 │
	│  ┌───────────────┐   resolve    ┌──────────────────┐          │
	│  │ ProgramResolver│◄─────────────│  CreateWorker /   │          │
	│  │ (componentcache│              │  Activate/replay  │          │
	│  │  lookup)       │              └─────────┬─────────┘          │
	│  └───────────────┘                         │                    │
	│                                    ┌────────▼─────────┐         │
	│                                    │    Instance       │         │
	│                                    │  - status         │         │
	│                                    │  - retryPolicy    │         │
	│                                    │  - wrapper        │         │
	│                                    │  - program        │         │
	│                                    └────────┬─────────┘         │
	│                          ┌───────────────────┼──────────────┐    │
	│                   ┌──────▼──────┐    ┌──────▼──────┐ ┌─────▼───┐│
	│                   │  limiter    │    │  activeset  │ │ updates ││
	│                   │ (admission) │    │  (LRU+pin)  │ │(Manager)││
	│                   └─────────────┘    └─────────────┘ └─────────┘│
	└─────────────────────────────────────────────────────────────────┘

# State machine

A worker instance moves through Idle -> Running -> {Suspended, Interrupting ->
Interrupted, Retrying, Failed, Exited, Deleted} and back. Running is always entered
either from CreateWorker (fresh) or from replay (cold activation): replay re-executes
every recorded ExportedFunctionInvoked entry through the durability wrapper before the
instance is considered caught up, so a divergence between the recorded history and the
current component build surfaces as a ReplayDivergence error rather than silently
producing a different result. Atomic regions left open at the end of history (a
BeginAtomicRegion with no matching EndAtomicRegion) are rolled back during replay: every
entry after the open begin is skipped rather than re-executed.

Invoke holds the instance's mutex for the whole call, enforcing that only one guest
frame ever runs per worker at a time. A failure classified as ReplayDivergence is
immediately fatal (no retry can fix a divergent build); any other trappable error is
retried up to the instance's RetryPolicy.MaxAttempts, using jittered exponential
backoff between attempts, before the worker is marked Failed.

# Usage

	engine := worker.NewEngine(store, invocations, lim, resolveProgram, activeSet, updateMgr, promises, kvStore)
	inst, err := engine.CreateWorker(ctx, id, version, account)
	result, err := inst.Invoke(ctx, "process", args, idempotencyKey, estimatedFuel)
*/
package worker
