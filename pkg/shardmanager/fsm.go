package shardmanager

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/M0-find-U/golem/pkg/golemid"
)

// NodeStatus is a registered executor's liveness as seen by the control loop.
type NodeStatus string

const (
	NodeStatusAlive   NodeStatus = "alive"
	NodeStatusSuspect NodeStatus = "suspect"
	NodeStatusDead    NodeStatus = "dead"
)

// Node is a registered executor: its address and the control loop's current view of
// its liveness and acknowledged shard set.
type Node struct {
	ID      string
	Address string
	Status  NodeStatus

	// Missed counts consecutive failed health probes since the last success.
	Missed int

	// Effective is the set of shards this node has acknowledged owning.
	Effective map[golemid.ShardId]struct{}
}

// Command is the Raft log entry envelope: an operation name plus its JSON payload,
// dispatched by State.Apply.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode   = "register_node"
	opDeregisterNode = "deregister_node"
	opSetNodeStatus  = "set_node_status"
	opAckAssign      = "ack_assign"
	opAckRevoke      = "ack_revoke"
)

type registerNodePayload struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type deregisterNodePayload struct {
	ID string `json:"id"`
}

type setNodeStatusPayload struct {
	ID     string     `json:"id"`
	Status NodeStatus `json:"status"`
	Missed int        `json:"missed"`
}

type shardAckPayload struct {
	NodeID string             `json:"node_id"`
	Shards []golemid.ShardId  `json:"shards"`
}

// State is the shard manager's replicated state: the node registry and each node's
// acknowledged shard set. It implements raft.FSM so the same state is durably
// replicated across shard-manager replicas (spec section 4.9's control loop runs
// against whichever replica holds Raft leadership).
type State struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewState creates an empty replicated state.
func NewState() *State {
	return &State{nodes: make(map[string]*Node)}
}

// Nodes returns a snapshot copy of the current node registry.
func (s *State) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		cp.Effective = make(map[golemid.ShardId]struct{}, len(n.Effective))
		for id := range n.Effective {
			cp.Effective[id] = struct{}{}
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveIDs returns the IDs of nodes currently considered alive, the input to the
// rendezvous-hashing intended map (pkg/shard.Ring.Intended).
func (s *State) AliveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		if n.Status == NodeStatusAlive {
			out = append(out, id)
		}
	}
	return out
}

// EffectiveMap returns the current shard->node ownership as acknowledged by nodes,
// the "effective" side of the shard assignment engine's intended/effective diff.
func (s *State) EffectiveMap() map[golemid.ShardId]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[golemid.ShardId]string)
	for id, n := range s.nodes {
		for shardID := range n.Effective {
			out[shardID] = id
		}
	}
	return out
}

// Apply implements raft.FSM: it decodes the log entry and mutates state. Only the
// Raft leader's Apply return value is observed by callers; followers apply the same
// command to stay consistent.
func (s *State) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Op {
	case opRegisterNode:
		var p registerNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return s.applyRegisterNode(p)
	case opDeregisterNode:
		var p deregisterNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return s.applyDeregisterNode(p)
	case opSetNodeStatus:
		var p setNodeStatusPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return s.applySetNodeStatus(p)
	case opAckAssign:
		var p shardAckPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return s.applyAckAssign(p)
	case opAckRevoke:
		var p shardAckPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return s.applyAckRevoke(p)
	default:
		return fmt.Errorf("unknown shard-manager command %q", cmd.Op)
	}
}

func (s *State) applyRegisterNode(p registerNodePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[p.ID]; ok {
		n.Address = p.Address
		n.Status = NodeStatusAlive
		n.Missed = 0
		return nil
	}
	s.nodes[p.ID] = &Node{
		ID:        p.ID,
		Address:   p.Address,
		Status:    NodeStatusAlive,
		Effective: make(map[golemid.ShardId]struct{}),
	}
	return nil
}

func (s *State) applyDeregisterNode(p deregisterNodePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, p.ID)
	return nil
}

func (s *State) applySetNodeStatus(p setNodeStatusPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p.ID]
	if !ok {
		return fmt.Errorf("set status: unknown node %q", p.ID)
	}
	n.Status = p.Status
	n.Missed = p.Missed
	return nil
}

func (s *State) applyAckAssign(p shardAckPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p.NodeID]
	if !ok {
		return fmt.Errorf("ack assign: unknown node %q", p.NodeID)
	}
	for _, id := range p.Shards {
		n.Effective[id] = struct{}{}
	}
	return nil
}

func (s *State) applyAckRevoke(p shardAckPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p.NodeID]
	if !ok {
		// A revoke can be acknowledged against a node that has since been
		// deregistered (e.g. declared dead); that is not an error.
		return nil
	}
	for _, id := range p.Shards {
		delete(n.Effective, id)
	}
	return nil
}

// snapshot is the JSON-serializable form persisted by raft.FSMSnapshot.Persist.
type snapshot struct {
	Nodes map[string]*Node `json:"nodes"`
}

// Snapshot implements raft.FSM.
func (s *State) Snapshot() (raft.FSMSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &snapshot{Nodes: make(map[string]*Node, len(s.nodes))}
	for id, n := range s.nodes {
		cp := *n
		cp.Effective = make(map[golemid.ShardId]struct{}, len(n.Effective))
		for shardID := range n.Effective {
			cp.Effective[shardID] = struct{}{}
		}
		snap.Nodes[id] = &cp
	}
	return snap, nil
}

// Restore implements raft.FSM.
func (s *State) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = snap.Nodes
	if s.nodes == nil {
		s.nodes = make(map[string]*Node)
	}
	return nil
}

// Persist implements raft.FSMSnapshot.
func (snap *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(snap); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (snap *snapshot) Release() {}
