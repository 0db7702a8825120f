// Package shard implements the rendezvous-hash shard assignment engine: the pure,
// deterministic mapping from the alive node set to the intended shard owner, and the
// rebalance planner that diffs it against what has actually been acknowledged.
package shard

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/M0-find-U/golem/pkg/golemid"
)

// DefaultShardCount is the cluster-wide shard space size fixed at cluster creation
// (spec section 4.8).
const DefaultShardCount = 1024

// DefaultRebalanceThreshold gates non-essential rebalances: if the fraction of shards
// that would move is below this, the change is deferred until the next tick.
const DefaultRebalanceThreshold = 0.1

// Ring computes the intended shard map for a fixed shard count over a set of alive
// node ids, using rendezvous (highest-random-weight) hashing: each shard is assigned
// to whichever node maximizes hash(node_id, shard_id), ties broken by lexicographically
// smallest node id. This is a pure function of its inputs and holds no state itself —
// callers that need change detection keep two Ring outputs and diff them (see Plan).
type Ring struct {
	shardCount int
}

// NewRing constructs a Ring over [0, shardCount).
func NewRing(shardCount int) *Ring {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	return &Ring{shardCount: shardCount}
}

// ShardCount returns the fixed size of the shard space.
func (r *Ring) ShardCount() int {
	return r.shardCount
}

// ShardFor returns the shard id a worker's key hashes into.
func (r *Ring) ShardFor(worker golemid.WorkerId) golemid.ShardId {
	h := xxhash.Sum64String(worker.String())
	return golemid.ShardId(h % uint64(r.shardCount))
}

// Owner returns the node id that owns shardID under rendezvous hashing over alive, or
// "" if alive is empty (the shard is unassignable).
func (r *Ring) Owner(shardID golemid.ShardId, alive []string) string {
	if len(alive) == 0 {
		return ""
	}
	best := ""
	var bestWeight uint64
	for _, node := range alive {
		w := weight(node, shardID)
		if best == "" || w > bestWeight || (w == bestWeight && node < best) {
			best = node
			bestWeight = w
		}
	}
	return best
}

// Intended computes the full intended map over every shard in [0, shardCount) given
// the current alive node set (spec 4.8: "the intended map is a pure function of the
// alive set").
func (r *Ring) Intended(alive []string) map[golemid.ShardId]string {
	sortedAlive := append([]string(nil), alive...)
	sort.Strings(sortedAlive)

	m := make(map[golemid.ShardId]string, r.shardCount)
	for i := 0; i < r.shardCount; i++ {
		shardID := golemid.ShardId(i)
		m[shardID] = r.Owner(shardID, sortedAlive)
	}
	return m
}

// weight computes hash(node_id, shard_id), the rendezvous-hash weight for one
// (node, shard) pair. xxhash is seeded with the shard id so each shard produces an
// independent ranking over the node set.
func weight(node string, shardID golemid.ShardId) uint64 {
	d := xxhash.New()
	d.Write([]byte(node))
	d.Write([]byte{
		byte(shardID), byte(shardID >> 8), byte(shardID >> 16), byte(shardID >> 24),
		byte(shardID >> 32), byte(shardID >> 40), byte(shardID >> 48), byte(shardID >> 56),
	})
	return d.Sum64()
}

// Plan is the set-difference between an intended and an effective shard map, expressed
// per node: shards each node should additionally be assigned, and shards it should
// have revoked (spec 4.8).
type Plan struct {
	Assign map[string][]golemid.ShardId
	Revoke map[string][]golemid.ShardId
}

// MovedFraction reports what fraction of the total shard space this plan moves, used
// to gate non-essential rebalances against the configured threshold.
func (p Plan) MovedFraction(shardCount int) float64 {
	if shardCount == 0 {
		return 0
	}
	moved := 0
	for _, ids := range p.Revoke {
		moved += len(ids)
	}
	return float64(moved) / float64(shardCount)
}

// Empty reports whether the plan assigns or revokes nothing.
func (p Plan) Empty() bool {
	return len(p.Assign) == 0 && len(p.Revoke) == 0
}

// DiffMaps computes the Plan to move from effective to intended: shards whose owner
// differs are revoked from the old owner (if any) and assigned to the new one.
func DiffMaps(intended, effective map[golemid.ShardId]string) Plan {
	plan := Plan{Assign: make(map[string][]golemid.ShardId), Revoke: make(map[string][]golemid.ShardId)}
	for shardID, wantOwner := range intended {
		haveOwner := effective[shardID]
		if haveOwner == wantOwner {
			continue
		}
		if haveOwner != "" {
			plan.Revoke[haveOwner] = append(plan.Revoke[haveOwner], shardID)
		}
		if wantOwner != "" {
			plan.Assign[wantOwner] = append(plan.Assign[wantOwner], shardID)
		}
	}
	return plan
}

// IsEssential reports whether plan must bypass the rebalance threshold: a revoke from
// a node that is no longer alive (dead-node unassignment), or any shard left
// unassigned, is always applied regardless of how small the moved fraction is (spec
// 4.8: "Essential rebalances... bypass the threshold").
func IsEssential(plan Plan, intended map[golemid.ShardId]string, aliveSet map[string]struct{}) bool {
	for shardID, owner := range intended {
		if owner == "" {
			return true
		}
		_ = shardID
	}
	for node := range plan.Revoke {
		if _, ok := aliveSet[node]; !ok {
			return true
		}
	}
	return false
}

// ShouldApply decides whether a plan should be applied now, given the rebalance
// threshold: essential plans always apply; otherwise the plan applies only if its
// moved fraction meets or exceeds threshold.
func ShouldApply(plan Plan, intended map[golemid.ShardId]string, aliveSet map[string]struct{}, shardCount int, threshold float64) bool {
	if plan.Empty() {
		return false
	}
	if IsEssential(plan, intended, aliveSet) {
		return true
	}
	return plan.MovedFraction(shardCount) >= threshold
}

func (p Plan) String() string {
	return fmt.Sprintf("Plan{assign=%d nodes, revoke=%d nodes}", len(p.Assign), len(p.Revoke))
}
