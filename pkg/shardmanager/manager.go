package shardmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/health"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/shard"
)

// ExecutorClient is the subset of the Executor RPC contract the control loop drives:
// pushing shard assignment and revocation onto a registered node. Implemented by
// pkg/rpc's net/rpc client; a fake satisfies it directly in tests.
type ExecutorClient interface {
	AssignShards(ctx context.Context, ids []golemid.ShardId) error
	RevokeShards(ctx context.Context, ids []golemid.ShardId) error
	Close() error
}

// Dialer opens an ExecutorClient and a health.Checker for a node's address.
type Dialer interface {
	Dial(address string) (ExecutorClient, health.Checker, error)
}

// Config configures a Manager replica.
type Config struct {
	NodeID  string
	BindAddr string
	DataDir string

	ShardCount         int
	RebalanceThreshold float64
	HealthInterval      time.Duration
	DeadAfterMisses     int

	Dialer Dialer
}

// DefaultConfig fills the zero-value fields with the shard assignment engine's
// defaults (spec section 4.8/4.9).
func DefaultConfig() Config {
	return Config{
		ShardCount:         shard.DefaultShardCount,
		RebalanceThreshold: shard.DefaultRebalanceThreshold,
		HealthInterval:     5 * time.Second,
		DeadAfterMisses:     3,
	}
}

// Manager is a shard-manager replica: a Raft-replicated node registry and effective
// shard map (State, pkg/shardmanager/fsm.go), a rendezvous-hashing ring (pkg/shard),
// and a control loop that polls node health and drives AssignShards/RevokeShards to
// converge the effective map on the intended one.
type Manager struct {
	cfg   Config
	ring  *shard.Ring
	raft  *raft.Raft
	state *State

	mu      sync.Mutex
	clients map[string]ExecutorClient
	checkers map[string]health.Checker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager; call Bootstrap or Join before Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ShardCount == 0 {
		cfg.ShardCount = shard.DefaultShardCount
	}
	if cfg.RebalanceThreshold == 0 {
		cfg.RebalanceThreshold = shard.DefaultRebalanceThreshold
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.DeadAfterMisses == 0 {
		cfg.DeadAfterMisses = 3
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		ring:     shard.NewRing(cfg.ShardCount),
		state:    NewState(),
		clients:  make(map[string]ExecutorClient),
		checkers: make(map[string]health.Checker),
		stopCh:   make(chan struct{}),
	}, nil
}

// raftConfig tunes Raft for the shard manager's small-cluster, low-latency control
// plane: fast leader election and commit so a node-death rebalance lands quickly.
func (m *Manager) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(m.cfg.NodeID)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (m *Manager) setupRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("new tcp transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(m.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("new snapshot store: %w", err)
	}

	boltPath := filepath.Join(m.cfg.DataDir, "raft.db")
	logStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("new bolt store: %w", err)
	}

	r, err := raft.NewRaft(m.raftConfig(), m.state, logStore, logStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}
	return r, nil
}

// Bootstrap forms a brand-new single-node cluster; use Join to add this replica to
// an existing one instead.
func (m *Manager) Bootstrap() error {
	r, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r

	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.cfg.NodeID), Address: raft.ServerAddress(m.cfg.BindAddr)},
		},
	}
	if err := r.BootstrapCluster(cfg).Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	log.Info("shard manager bootstrapped", "node_id", m.cfg.NodeID, "bind_addr", m.cfg.BindAddr)
	return nil
}

// Join starts Raft without bootstrapping; the caller must separately add this
// replica as a voter via the existing leader's AddVoter API.
func (m *Manager) Join() error {
	r, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r
	log.Info("shard manager joining existing cluster", "node_id", m.cfg.NodeID)
	return nil
}

// IsLeader reports whether this replica currently holds Raft leadership; only the
// leader drives the control loop.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

func (m *Manager) apply(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd := Command{Op: op, Data: data}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f := m.raft.Apply(b, 10*time.Second)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raft apply %s: %w", op, err)
	}
	if fnErr, ok := f.Response().(error); ok && fnErr != nil {
		return fmt.Errorf("apply %s: %w", op, fnErr)
	}
	return nil
}

// RegisterNode adds (or re-activates) a node in the registry and dials its
// executor/health endpoints.
func (m *Manager) RegisterNode(ctx context.Context, id, address string) error {
	if err := m.apply(opRegisterNode, registerNodePayload{ID: id, Address: address}); err != nil {
		return err
	}

	if m.cfg.Dialer == nil {
		return nil
	}
	client, checker, err := m.cfg.Dialer.Dial(address)
	if err != nil {
		return fmt.Errorf("dial node %s: %w", id, err)
	}

	m.mu.Lock()
	m.clients[id] = client
	m.checkers[id] = checker
	m.mu.Unlock()
	return nil
}

// DeregisterNode removes a node from the registry, e.g. on graceful drain.
func (m *Manager) DeregisterNode(ctx context.Context, id string) error {
	m.mu.Lock()
	if client, ok := m.clients[id]; ok {
		client.Close()
		delete(m.clients, id)
	}
	delete(m.checkers, id)
	m.mu.Unlock()

	return m.apply(opDeregisterNode, deregisterNodePayload{ID: id})
}

// Start launches the health-polling and rebalance loops. Only the leader acts on
// their output; followers still run the loop so they can take over instantly.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.healthLoop(ctx)
	go m.rebalanceLoop(ctx)
}

// Stop halts the background loops.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.probeAll(ctx)
			}
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	for _, n := range m.state.Nodes() {
		m.mu.Lock()
		checker := m.checkers[n.ID]
		m.mu.Unlock()
		if checker == nil {
			continue
		}

		result := checker.Check(ctx)
		m.recordProbe(n, result)
	}
}

func (m *Manager) recordProbe(n *Node, result health.Result) {
	if result.Healthy {
		if n.Status != NodeStatusAlive {
			log.Info("node recovered, marking alive", "node_id", n.ID)
		}
		if n.Status != NodeStatusAlive || n.Missed != 0 {
			_ = m.apply(opSetNodeStatus, setNodeStatusPayload{ID: n.ID, Status: NodeStatusAlive, Missed: 0})
		}
		return
	}

	missed := n.Missed + 1
	status := NodeStatusSuspect
	if missed >= m.cfg.DeadAfterMisses {
		status = NodeStatusDead
		log.Warn("node declared dead", "node_id", n.ID, "missed", missed)
	}
	_ = m.apply(opSetNodeStatus, setNodeStatusPayload{ID: n.ID, Status: status, Missed: missed})
}

func (m *Manager) rebalanceLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.reconcile(ctx)
			}
		}
	}
}

// reconcile computes the current rebalance plan and applies it if it is essential or
// above the configured threshold (spec section 4.8), revoking before assigning for
// any shard that is moving (spec section 4.9's ordering guarantee).
func (m *Manager) reconcile(ctx context.Context) {
	alive := m.state.AliveIDs()
	intended := m.ring.Intended(alive)
	effective := m.state.EffectiveMap()

	aliveSet := make(map[string]struct{}, len(alive))
	for _, id := range alive {
		aliveSet[id] = struct{}{}
	}

	plan := shard.DiffMaps(intended, effective)
	if plan.Empty() {
		return
	}
	if !shard.ShouldApply(plan, intended, aliveSet, m.cfg.ShardCount, m.cfg.RebalanceThreshold) {
		return
	}

	log.Info("applying shard rebalance plan", "plan", plan.String())

	// Revoke first: a shard must lose its old owner's acknowledgment before this
	// loop assigns it to a new one, so routing never sees two simultaneous owners.
	m.applyRevokes(ctx, plan)
	m.applyAssigns(ctx, intended, plan)
}

func (m *Manager) applyRevokes(ctx context.Context, plan shard.Plan) {
	var wg sync.WaitGroup
	for nodeID, ids := range plan.Revoke {
		m.mu.Lock()
		client := m.clients[nodeID]
		m.mu.Unlock()
		if client == nil {
			// Node unreachable (likely dead); the shard stays unassigned until
			// either the revoke is acknowledged or the node is declared dead.
			continue
		}

		wg.Add(1)
		go func(nodeID string, ids []golemid.ShardId, client ExecutorClient) {
			defer wg.Done()
			if err := client.RevokeShards(ctx, ids); err != nil {
				log.Warn("revoke shards failed", "node_id", nodeID, "err", err)
				return
			}
			_ = m.apply(opAckRevoke, shardAckPayload{NodeID: nodeID, Shards: ids})
		}(nodeID, ids, client)
	}
	wg.Wait()
}

func (m *Manager) applyAssigns(ctx context.Context, intended map[golemid.ShardId]string, plan shard.Plan) {
	effective := m.state.EffectiveMap()

	var wg sync.WaitGroup
	for nodeID, ids := range plan.Assign {
		var ready []golemid.ShardId
		for _, id := range ids {
			owner, stillOwned := effective[id]
			dead := m.nodeStatus(owner) == NodeStatusDead
			if !stillOwned || dead || owner == "" {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			continue
		}

		m.mu.Lock()
		client := m.clients[nodeID]
		m.mu.Unlock()
		if client == nil {
			continue
		}

		wg.Add(1)
		go func(nodeID string, ids []golemid.ShardId, client ExecutorClient) {
			defer wg.Done()
			if err := client.AssignShards(ctx, ids); err != nil {
				log.Warn("assign shards failed", "node_id", nodeID, "err", err)
				return
			}
			_ = m.apply(opAckAssign, shardAckPayload{NodeID: nodeID, Shards: ids})
		}(nodeID, ready, client)
	}
	wg.Wait()
}

func (m *Manager) nodeStatus(nodeID string) NodeStatus {
	if nodeID == "" {
		return NodeStatusDead
	}
	for _, n := range m.state.Nodes() {
		if n.ID == nodeID {
			return n.Status
		}
	}
	return NodeStatusDead
}

// Stats reports the figures the metrics collector scrapes.
type Stats struct {
	IsLeader     bool
	LastLogIndex uint64
	AppliedIndex uint64
	Peers        int
}

// RaftStats returns the current Raft bookkeeping figures for metrics collection.
func (m *Manager) RaftStats() Stats {
	if m.raft == nil {
		return Stats{}
	}

	peers := 1
	if cfgFuture := m.raft.GetConfiguration(); cfgFuture.Error() == nil {
		peers = len(cfgFuture.Configuration().Servers)
	}

	return Stats{
		IsLeader:     m.IsLeader(),
		LastLogIndex: m.raft.LastIndex(),
		AppliedIndex: m.raft.AppliedIndex(),
		Peers:        peers,
	}
}

// State exposes the replicated node registry for read-only inspection (e.g. by an
// administrative RPC).
func (m *Manager) State() *State { return m.state }
