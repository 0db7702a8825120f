/*
Package shard implements the rendezvous-hash (highest-random-weight) shard assignment
engine: the pure function from an alive node set to the intended owner of every shard,
plus the rebalance planner used by pkg/shardmanager's control loop.

# Why rendezvous hashing

A consistent-hash ring needs virtual nodes and still moves an unbounded-looking set of
keys on membership change unless tuned carefully. Rendezvous hashing instead ranks every
node for every shard independently — the node whose hash(node_id, shard_id) is largest
wins — which gives the same ~1/|nodes| expected movement per join/leave with a simpler,
stateless formula and no ring data structure to maintain.

	for each shard s in [0, N):
	    owner(s) = argmax_{n in alive} hash(n, s)   (ties: smallest node id)

# Structure

	┌─────────────────────────── Ring ───────────────────────────┐
	│  ShardFor(workerId)   -> ShardId      (hash(WorkerId) mod N) │
	│  Owner(shardId, alive)-> node id       (rendezvous winner)   │
	│  Intended(alive)      -> full map      (pure function)       │
	└───────────────────────────────────────────────────────────┘
	                │
	                ▼
	┌─────────────────────────── Plan ───────────────────────────┐
	│  DiffMaps(intended, effective) -> per-node assign/revoke     │
	│  ShouldApply(...)  -> threshold-gated or essential bypass    │
	└───────────────────────────────────────────────────────────┘

Ring holds no mutable state; every call is a pure function of its arguments. The
shard-manager control loop (pkg/shardmanager) is what persists the effective map and
drives Plan application — this package only computes what the plan should be.

# Essential vs threshold-gated rebalances

Any shard left unassigned, or any revoke from a node no longer in the alive set, makes a
plan essential: it bypasses the configurable rebalance threshold entirely. Otherwise a
plan is only applied if the fraction of the shard space it would move meets or exceeds
the threshold (default 0.1), so routine host restarts don't trigger wholesale reshuffling
for a single-shard difference.
*/
package shard
