/*
Package shardmanager implements the control-plane replica that owns the cluster's
node registry and shard assignment (spec section 4.9). A Raft-replicated State
(fsm.go) holds the registered executor nodes and the shard sets they have
acknowledged; a Manager (manager.go) runs on top of it, polling node health and
driving AssignShards/RevokeShards RPCs to converge the acknowledged map on the
rendezvous-hashing ring's intended one (pkg/shard).

# Architecture

	┌─────────────────────────── Manager ───────────────────────────┐
	│                                                                  │
	│   healthLoop ──poll──> health.Checker per node ──> State.Apply  │
	│                                (set_node_status)                │
	│                                                                  │
	│   rebalanceLoop:                                                │
	│     intended := ring.Intended(State.AliveIDs())                 │
	│     effective := State.EffectiveMap()                           │
	│     plan := shard.DiffMaps(intended, effective)                 │
	│     if shard.ShouldApply(...): revoke, then assign               │
	│                                                                  │
	│   State (raft.FSM) ── Raft log ──> replicated to followers       │
	└──────────────────────────────────────────────────────────────────┘

# Revoke-before-assign

For any shard moving from node A to node B, the rebalance loop issues and awaits
A's RevokeShards acknowledgment (applied to State via opAckRevoke) before issuing
B's AssignShards — unless A is already declared dead, in which case the shard is
assigned without waiting, since a dead node's acknowledgment can never arrive. A
shard is never intentionally held by two acknowledged owners at once.

# Health

Each registered node is probed on Config.HealthInterval using the health.Checker
the Dialer returned when the node was registered. A single miss marks the node
*suspect*; DeadAfterMisses consecutive misses mark it *dead*, which makes every
shard it held eligible for immediate, threshold-bypassing reassignment.

# Raft tuning

HeartbeatTimeout and ElectionTimeout are both held to 500ms and CommitTimeout to
50ms, trading steady-state network chatter for fast leader takeover: a shard
manager partition should resolve before the health loop's next tick notices
anything wrong downstream.
*/
package shardmanager
