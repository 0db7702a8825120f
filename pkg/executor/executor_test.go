package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/activeset"
	"github.com/M0-find-U/golem/pkg/durability"
	"github.com/M0-find-U/golem/pkg/events"
	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/guest"
	"github.com/M0-find-U/golem/pkg/invocation"
	"github.com/M0-find-U/golem/pkg/promise"
	"github.com/M0-find-U/golem/pkg/shard"
	"github.com/M0-find-U/golem/pkg/types"
	"github.com/M0-find-U/golem/pkg/worker"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[golemid.WorkerId][]types.OplogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[golemid.WorkerId][]types.OplogEntry)}
}

func (s *fakeStore) Append(ctx context.Context, w golemid.WorkerId, kind types.OplogEntryKind, payload []byte) (golemid.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := golemid.OplogIndex(len(s.entries[w]) + 1)
	s.entries[w] = append(s.entries[w], types.OplogEntry{Index: idx, Kind: kind, Payload: payload})
	return idx, nil
}

func (s *fakeStore) Read(ctx context.Context, w golemid.WorkerId, from golemid.OplogIndex, count int) ([]types.OplogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.OplogEntry
	for _, e := range s.entries[w] {
		if e.Index >= from {
			out = append(out, e)
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Length(ctx context.Context, w golemid.WorkerId) (golemid.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return golemid.OplogIndex(len(s.entries[w])), nil
}

func (s *fakeStore) TruncateAfter(ctx context.Context, w golemid.WorkerId, index golemid.OplogIndex) error {
	return nil
}

func (s *fakeStore) ListWorkers(ctx context.Context) ([]golemid.WorkerId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]golemid.WorkerId, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) Close() error { return nil }

func echoProgram() *guest.Program {
	return &guest.Program{
		Name: "echo",
		Exports: map[string]guest.Export{
			"echo": func(ctx context.Context, args []byte, wrapper *durability.Wrapper) ([]byte, error) {
				return args, nil
			},
		},
	}
}

func newTestExecutor(t *testing.T) (*Executor, golemid.WorkerId) {
	t.Helper()
	store := newFakeStore()
	invocations := invocation.NewManager(store)
	activeSet := activeset.New(10)
	resolver := func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return echoProgram(), nil
	}
	engine := worker.NewEngine(store, invocations, nil, resolver, activeSet, nil, nil, nil)
	ring := shard.NewRing(16)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ex := New(engine, activeSet, store, ring, broker, nil)
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	return ex, id
}

func TestCreateWorkerRejectsUnownedShard(t *testing.T) {
	ex, id := newTestExecutor(t)
	err := ex.CreateWorker(context.Background(), id, 1, "acct-1")
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWrongShard, kind)
}

func TestCreateAndInvokeWorkerWithOwnedShard(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))

	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	result, err := ex.InvokeAndAwaitWorker(context.Background(), id, "echo", []byte("hi"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), result)
}

func TestRevokeShardsEvictsResidentWorker(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	_, err := ex.InvokeAndAwaitWorker(context.Background(), id, "echo", []byte("hi"), "key-1")
	require.NoError(t, err)
	assert.True(t, ex.OwnsWorker(id))
	assert.Contains(t, ex.activeSet.Keys(), id)

	require.NoError(t, ex.RevokeShards(context.Background(), []golemid.ShardId{shardID}))
	assert.False(t, ex.OwnsWorker(id))
	assert.NotContains(t, ex.activeSet.Keys(), id)

	_, err = ex.InvokeAndAwaitWorker(context.Background(), id, "echo", []byte("hi"), "key-1")
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWrongShard, kind)
}

func TestConnectWorkerStreamsInvocationEvents(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	sub, cancel, err := ex.ConnectWorker(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	_, err = ex.InvokeAndAwaitWorker(context.Background(), id, "echo", []byte("hi"), "key-1")
	require.NoError(t, err)

	started := <-sub
	assert.Equal(t, events.EventInvocationStarted, started.Type)
	completed := <-sub
	assert.Equal(t, events.EventInvocationCompleted, completed.Type)
}

func newTestExecutorWithPromises(t *testing.T) (*Executor, golemid.WorkerId, *promise.Registry) {
	t.Helper()
	store := newFakeStore()
	invocations := invocation.NewManager(store)
	activeSet := activeset.New(10)
	resolver := func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return echoProgram(), nil
	}
	promises, err := promise.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { promises.Close() })

	engine := worker.NewEngine(store, invocations, nil, resolver, activeSet, nil, promises, nil)
	ring := shard.NewRing(16)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ex := New(engine, activeSet, store, ring, broker, promises)
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	return ex, id, promises
}

func TestCompletePromiseCompletesOnlyOnce(t *testing.T) {
	ex, id, promises := newTestExecutorWithPromises(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	promiseID := golemid.PromiseId{Worker: id, Index: 1}
	require.NoError(t, promises.Create(context.Background(), promiseID))

	completed, err := ex.CompletePromise(context.Background(), promiseID, []byte("value"))
	require.NoError(t, err)
	assert.True(t, completed)

	again, err := ex.CompletePromise(context.Background(), promiseID, []byte("other"))
	require.NoError(t, err)
	assert.False(t, again)

	p, err := promises.Get(context.Background(), promiseID)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), p.Value)
}

func TestCompletePromiseRejectsUnownedShard(t *testing.T) {
	ex, id, _ := newTestExecutorWithPromises(t)
	promiseID := golemid.PromiseId{Worker: id, Index: 1}

	_, err := ex.CompletePromise(context.Background(), promiseID, []byte("value"))
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWrongShard, kind)
}

func TestGetWorkerMetadataReflectsResidentInstance(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	meta, err := ex.GetWorkerMetadata(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, id, meta.Id)
	assert.Equal(t, types.WorkerStatusIdle, meta.Status)

	precise, err := ex.GetWorkerMetadata(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, id, precise.Id)
	assert.Equal(t, types.WorkerStatusIdle, precise.Status)
}

func TestGetWorkerMetadataRejectsUnownedShard(t *testing.T) {
	ex, id := newTestExecutor(t)
	_, err := ex.GetWorkerMetadata(context.Background(), id, false)
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWrongShard, kind)
}

func TestGetRunningWorkersMetadataOnlyReportsRunning(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	// Idle, not Running: should not be reported.
	metas, err := ex.GetRunningWorkersMetadata(context.Background(), id.Component)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestGetWorkersMetadataPaginatesByCursor(t *testing.T) {
	ex, id := newTestExecutor(t)
	component := id.Component

	names := []string{"a", "b", "c"}
	for _, name := range names {
		wid := golemid.WorkerId{Component: component, Name: name}
		shardID := ex.ring.ShardFor(wid)
		require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
		require.NoError(t, ex.CreateWorker(context.Background(), wid, 1, "acct-1"))
	}

	page1, cursor1, err := ex.GetWorkersMetadata(context.Background(), component, "", 2, nil, false)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "a", page1[0].Id.Name)
	assert.Equal(t, "b", page1[1].Id.Name)
	assert.Equal(t, "b", cursor1)

	page2, cursor2, err := ex.GetWorkersMetadata(context.Background(), component, cursor1, 2, nil, false)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "c", page2[0].Id.Name)
	assert.Equal(t, "", cursor2)
}

func TestGetOplogReturnsAppendedEntries(t *testing.T) {
	ex, id := newTestExecutor(t)
	shardID := ex.ring.ShardFor(id)
	require.NoError(t, ex.AssignShards(context.Background(), []golemid.ShardId{shardID}))
	require.NoError(t, ex.CreateWorker(context.Background(), id, 1, "acct-1"))

	entries, err := ex.GetOplog(context.Background(), id, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, types.EntryCreate, entries[0].Kind)
}
