/*
Package router dispatches a worker RPC to the executor node presently assigned
the worker's shard, and recovers when that assignment has moved on.

A caller computes shard := ring.ShardFor(workerID) the same way every executor
does (pkg/shard.Ring, so the arithmetic never disagrees), asks a ShardLocator
for the node currently effective for that shard, and dials it. The locator's
view can lag the shard manager's actual effective map by one rebalance cycle,
so the target node may reject the call: pkg/executor replies KindWrongShard
both for a shard never assigned there and for one just revoked. Dispatch
treats KindWrongShard and KindUnknownShard alike as a redirect signal,
marks the address in a short-TTL negative cache so a burst of requests against
the same stale mapping fails fast rather than re-dialing it on every call, and
retries up to Config.MaxAttempts before giving up with KindUnavailable.
*/
package router
