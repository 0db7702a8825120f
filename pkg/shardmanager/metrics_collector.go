package shardmanager

import (
	"time"

	"github.com/M0-find-U/golem/pkg/metrics"
)

// MetricsCollector periodically scrapes a Manager's node registry and Raft
// bookkeeping into the process's Prometheus metrics.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector wires a collector to manager.
func NewMetricsCollector(manager *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: manager,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting on a fixed interval, immediately on call.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectNodeMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes := c.manager.State().Nodes()

	counts := make(map[NodeStatus]int)
	shardsByNode := make(map[string]int)
	for _, n := range nodes {
		counts[n.Status]++
		shardsByNode[n.ID] = len(n.Effective)
	}

	for _, status := range []NodeStatus{NodeStatusAlive, NodeStatusSuspect, NodeStatusDead} {
		metrics.ShardManagerNodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	for id, count := range shardsByNode {
		metrics.ShardManagerShardsAssigned.WithLabelValues(id).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	stats := c.manager.RaftStats()

	if stats.IsLeader {
		metrics.ShardManagerRaftLeader.Set(1)
	} else {
		metrics.ShardManagerRaftLeader.Set(0)
	}
	metrics.ShardManagerRaftLogIndex.Set(float64(stats.LastLogIndex))
	metrics.ShardManagerRaftAppliedIndex.Set(float64(stats.AppliedIndex))
	metrics.ShardManagerRaftPeers.Set(float64(stats.Peers))
}
