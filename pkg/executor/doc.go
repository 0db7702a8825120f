/*
Package executor implements the node-local surface named by spec section 6's
Executor RPCs. It holds no transport of its own: pkg/rpc carries AssignShards and
RevokeShards over net/rpc, and the other methods are called in-process. The package's
only state beyond the worker engine is the set of shards this node currently owns,
which gates every request with a fail-fast WrongShard rather than silently creating or replaying a worker the
shard manager has not (or no longer) assigned here.

# Ownership gating

	AssignShards(ids)  -> owned[id] = struct{}{}, for each id
	RevokeShards(ids)  -> delete(owned, id); evict resident workers under those shards
	checkOwnership(w)  -> WrongShard unless ring.ShardFor(w) ∈ owned

RevokeShards evicting resident workers (rather than leaving them live and merely
un-routable) matters for the shard manager's reassignment ordering guarantee
(spec section 4.9): once a revoke is acknowledged, no stale in-memory instance on
this node can race a freshly-activated one on the new owner.
*/
package executor
