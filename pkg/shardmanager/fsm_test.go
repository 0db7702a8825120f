package shardmanager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/golemid"
)

func applyCmd(t *testing.T, s *State, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: data}
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return s.Apply(&raft.Log{Data: b})
}

func TestRegisterAndListNode(t *testing.T) {
	s := NewState()
	res := applyCmd(t, s, opRegisterNode, registerNodePayload{ID: "n1", Address: "10.0.0.1:9090"})
	assert.Nil(t, res)

	nodes := s.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, NodeStatusAlive, nodes[0].Status)
	assert.Equal(t, []string{"n1"}, s.AliveIDs())
}

func TestDeregisterNode(t *testing.T) {
	s := NewState()
	applyCmd(t, s, opRegisterNode, registerNodePayload{ID: "n1", Address: "a"})
	applyCmd(t, s, opDeregisterNode, deregisterNodePayload{ID: "n1"})
	assert.Empty(t, s.Nodes())
}

func TestSetNodeStatusSuspectThenDead(t *testing.T) {
	s := NewState()
	applyCmd(t, s, opRegisterNode, registerNodePayload{ID: "n1", Address: "a"})

	applyCmd(t, s, opSetNodeStatus, setNodeStatusPayload{ID: "n1", Status: NodeStatusSuspect, Missed: 1})
	assert.Empty(t, s.AliveIDs())

	applyCmd(t, s, opSetNodeStatus, setNodeStatusPayload{ID: "n1", Status: NodeStatusDead, Missed: 3})
	nodes := s.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, NodeStatusDead, nodes[0].Status)
}

func TestAckAssignAndRevoke(t *testing.T) {
	s := NewState()
	applyCmd(t, s, opRegisterNode, registerNodePayload{ID: "n1", Address: "a"})

	applyCmd(t, s, opAckAssign, shardAckPayload{NodeID: "n1", Shards: []golemid.ShardId{1, 2, 3}})
	eff := s.EffectiveMap()
	assert.Equal(t, "n1", eff[golemid.ShardId(1)])
	assert.Equal(t, "n1", eff[golemid.ShardId(2)])
	assert.Equal(t, "n1", eff[golemid.ShardId(3)])

	applyCmd(t, s, opAckRevoke, shardAckPayload{NodeID: "n1", Shards: []golemid.ShardId{2}})
	eff = s.EffectiveMap()
	_, stillPresent := eff[golemid.ShardId(2)]
	assert.False(t, stillPresent)
	assert.Equal(t, "n1", eff[golemid.ShardId(1)])
}

func TestAckRevokeAgainstUnknownNodeIsNoop(t *testing.T) {
	s := NewState()
	res := applyCmd(t, s, opAckRevoke, shardAckPayload{NodeID: "ghost", Shards: []golemid.ShardId{1}})
	assert.Nil(t, res)
}

func TestApplyUnknownOpReturnsError(t *testing.T) {
	s := NewState()
	res := s.Apply(&raft.Log{Data: []byte(`{"op":"nonsense","data":{}}`)})
	assert.Error(t, res.(error))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewState()
	applyCmd(t, s, opRegisterNode, registerNodePayload{ID: "n1", Address: "a"})
	applyCmd(t, s, opAckAssign, shardAckPayload{NodeID: "n1", Shards: []golemid.ShardId{5, 6}})

	fsmSnap, err := s.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSnapshotSink{Buffer: &buf}
	require.NoError(t, fsmSnap.Persist(sink))

	restored := NewState()
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))

	eff := restored.EffectiveMap()
	assert.Equal(t, "n1", eff[golemid.ShardId(5)])
	assert.Equal(t, "n1", eff[golemid.ShardId(6)])
}

type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (f *fakeSnapshotSink) ID() string         { return "fake" }
func (f *fakeSnapshotSink) Cancel() error      { return nil }
func (f *fakeSnapshotSink) Close() error       { return nil }
