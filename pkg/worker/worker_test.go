package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/activeset"
	"github.com/M0-find-U/golem/pkg/durability"
	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/guest"
	"github.com/M0-find-U/golem/pkg/invocation"
	"github.com/M0-find-U/golem/pkg/types"
)

// fakeStore is a minimal in-memory oplog.Store for unit tests; it has none of
// BoltStore's chunking/archival behavior, only the ordering and length semantics
// worker.Engine depends on.
type fakeStore struct {
	mu      sync.Mutex
	entries map[golemid.WorkerId][]types.OplogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[golemid.WorkerId][]types.OplogEntry)}
}

func (s *fakeStore) Append(ctx context.Context, worker golemid.WorkerId, kind types.OplogEntryKind, payload []byte) (golemid.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := golemid.OplogIndex(len(s.entries[worker]) + 1)
	s.entries[worker] = append(s.entries[worker], types.OplogEntry{Index: idx, Kind: kind, Payload: payload})
	return idx, nil
}

func (s *fakeStore) Read(ctx context.Context, worker golemid.WorkerId, from golemid.OplogIndex, count int) ([]types.OplogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[worker]
	var out []types.OplogEntry
	for _, e := range all {
		if e.Index >= from {
			out = append(out, e)
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Length(ctx context.Context, worker golemid.WorkerId) (golemid.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return golemid.OplogIndex(len(s.entries[worker])), nil
}

func (s *fakeStore) TruncateAfter(ctx context.Context, worker golemid.WorkerId, index golemid.OplogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[worker]
	for i, e := range all {
		if e.Index > index {
			s.entries[worker] = all[:i]
			break
		}
	}
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

func failingProgram(callsBeforeSuccess int) *guest.Program {
	calls := 0
	return &guest.Program{
		Name: "flaky",
		Exports: map[string]guest.Export{
			"flaky": func(ctx context.Context, args []byte, wrapper *durability.Wrapper) ([]byte, error) {
				calls++
				if calls <= callsBeforeSuccess {
					return nil, errors.New("transient trap")
				}
				return args, nil
			},
		},
	}
}

func newTestEngine(t *testing.T, resolver ProgramResolver) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	invocations := invocation.NewManager(store)
	activeSet := activeset.New(10)
	engine := NewEngine(store, invocations, nil, resolver, activeSet, nil, nil, nil)
	return engine, store
}

func TestCreateWorkerThenInvoke(t *testing.T) {
	program := echoProgram()
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})

	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, inst.Status())

	result, err := inst.Invoke(context.Background(), "echo", []byte("hello"), "key-1", 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result)
	assert.Equal(t, types.WorkerStatusIdle, inst.Status())
}

func TestCreateWorkerTwiceFails(t *testing.T) {
	program := echoProgram()
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})

	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	_, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)

	_, err = engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWorkerAlreadyExists, kind)
}

func TestActivateReplaysFromOplog(t *testing.T) {
	program := echoProgram()
	engine, store := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})

	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)
	_, err = inst.Invoke(context.Background(), "echo", []byte("hi"), "key-1", 10)
	require.NoError(t, err)

	// Evict the live instance, forcing the next Activate to replay from the oplog.
	inst.Evict()

	replayed, err := engine.Activate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, replayed.Status())

	length, err := store.Length(context.Background(), id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(length), 3) // create, invoked, completed
}

func TestActivateUnknownWorkerFails(t *testing.T) {
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return echoProgram(), nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "ghost"}
	_, err := engine.Activate(context.Background(), id)
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindWorkerNotFound, kind)
}

func TestInvokeRetriesTransientTrapsThenSucceeds(t *testing.T) {
	program := failingProgram(2)
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)
	inst.retryPolicy.MinDelay = 0
	inst.retryPolicy.MaxDelay = 0

	result, err := inst.Invoke(context.Background(), "flaky", []byte("payload"), "key-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), result)
}

func TestInvokeFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	program := failingProgram(100)
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)
	inst.retryPolicy.MaxAttempts = 2
	inst.retryPolicy.MinDelay = 0
	inst.retryPolicy.MaxDelay = 0

	_, err = inst.Invoke(context.Background(), "flaky", []byte("payload"), "key-1", 10)
	require.Error(t, err)
	assert.Equal(t, types.WorkerStatusFailed, inst.Status())
}

func countingProgram() (*guest.Program, *int32) {
	var calls int32
	program := &guest.Program{
		Name: "echo",
		Exports: map[string]guest.Export{
			"echo": func(ctx context.Context, args []byte, wrapper *durability.Wrapper) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				return args, nil
			},
		},
	}
	return program, &calls
}

// TestInvokeWithSameIdempotencyKeyRunsOnce submits the same (WorkerId, IdempotencyKey)
// twice and asserts the guest function executes once and both calls observe the same
// result, with exactly one ExportedFunctionInvoked/Completed pair recorded (spec
// section 8, "Idempotent invoke").
func TestInvokeWithSameIdempotencyKeyRunsOnce(t *testing.T) {
	program, calls := countingProgram()
	engine, store := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)

	first, err := inst.Invoke(context.Background(), "echo", []byte("hello"), "dup-key", 10)
	require.NoError(t, err)

	second, err := inst.Invoke(context.Background(), "echo", []byte("hello"), "dup-key", 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	history, err := store.Read(context.Background(), id, 1, 1000)
	require.NoError(t, err)
	var invoked, completed int
	for _, e := range history {
		switch e.Kind {
		case types.EntryExportedFunctionInvoked:
			invoked++
		case types.EntryExportedFunctionCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, invoked)
	assert.Equal(t, 1, completed)
}

func TestSuspendResume(t *testing.T) {
	program := echoProgram()
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)

	promiseID := golemid.PromiseId{Worker: id, Index: 1}
	require.NoError(t, inst.Suspend(context.Background(), promiseID))
	assert.Equal(t, types.WorkerStatusSuspended, inst.Status())

	require.NoError(t, inst.Resume(context.Background()))
	assert.Equal(t, types.WorkerStatusRunning, inst.Status())
}

func TestInterruptRequiresRunning(t *testing.T) {
	program := echoProgram()
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)

	// Idle, not Running: Interrupt must reject.
	err = inst.Interrupt(context.Background(), false)
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindInvalidStatus, kind)
}

func TestDeleteIsTerminal(t *testing.T) {
	program := echoProgram()
	engine, _ := newTestEngine(t, func(ctx context.Context, c golemid.ComponentId, v golemid.ComponentVersion) (*guest.Program, error) {
		return program, nil
	})
	id := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	inst, err := engine.CreateWorker(context.Background(), id, 1, "acct-1")
	require.NoError(t, err)

	require.NoError(t, inst.Delete(context.Background()))
	assert.Equal(t, types.WorkerStatusDeleted, inst.Status())

	_, err = inst.Invoke(context.Background(), "echo", []byte("x"), "key-2", 10)
	require.Error(t, err)
	kind, ok := golemerr.As(err)
	require.True(t, ok)
	assert.Equal(t, golemerr.KindInvalidStatus, kind)
}
