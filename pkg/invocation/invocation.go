// Package invocation implements the per-worker, serialized, idempotent invocation queue
// (spec section 4.4): submissions are appended to the oplog as PendingWorkerInvocation
// entries at enqueue time, then drained one at a time, in FIFO order, by the worker's
// single logical executor.
package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/types"
)

// Request is a caller's submission before it becomes durable.
type Request struct {
	Worker         golemid.WorkerId
	FunctionName   string
	Args           []byte
	IdempotencyKey golemid.IdempotencyKey
}

// Result is the outcome of a completed invocation.
type Result struct {
	Response []byte
	Err      error
}

// Queued is a durable invocation waiting to be drained by the worker engine.
type Queued struct {
	Index golemid.OplogIndex
	Request
}

// perWorker holds the in-memory bookkeeping for one worker's queue: the FIFO channel
// the engine drains, the idempotency index used for dedup, and result waiters.
type perWorker struct {
	mu       sync.Mutex
	pending  []Queued
	seen     map[golemid.IdempotencyKey]golemid.OplogIndex
	waiters  map[golemid.IdempotencyKey][]chan Result
	results  map[golemid.IdempotencyKey]Result
	notifyCh chan struct{}
}

func newPerWorker() *perWorker {
	return &perWorker{
		seen:     make(map[golemid.IdempotencyKey]golemid.OplogIndex),
		waiters:  make(map[golemid.IdempotencyKey][]chan Result),
		results:  make(map[golemid.IdempotencyKey]Result),
		notifyCh: make(chan struct{}, 1),
	}
}

func (p *perWorker) wake() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Manager owns every worker's invocation queue. Dedup state is rebuilt from the oplog
// on first touch of a worker (Load), so a restart does not lose idempotency guarantees.
type Manager struct {
	store oplog.Store

	mu      sync.Mutex
	workers map[golemid.WorkerId]*perWorker
}

func NewManager(store oplog.Store) *Manager {
	return &Manager{store: store, workers: make(map[golemid.WorkerId]*perWorker)}
}

func (m *Manager) worker(id golemid.WorkerId) *perWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.workers[id]
	if !ok {
		pw = newPerWorker()
		m.workers[id] = pw
	}
	return pw
}

// Load rebuilds a worker's idempotency index and result cache from its oplog history,
// scanning PendingWorkerInvocation/ExportedFunctionCompleted pairs. Call once when a
// worker is first activated on an executor (cold start or after eviction).
func (m *Manager) Load(ctx context.Context, worker golemid.WorkerId, history []types.OplogEntry) error {
	pw := m.worker(worker)
	pw.mu.Lock()
	defer pw.mu.Unlock()

	var lastPendingKey golemid.IdempotencyKey
	for _, e := range history {
		switch e.Kind {
		case types.EntryPendingWorkerInvocation:
			var p types.PendingWorkerInvocationPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("decode pending-worker-invocation at %d: %w", e.Index, err)
			}
			pw.seen[p.IdempotencyKey] = e.Index
			lastPendingKey = p.IdempotencyKey
		case types.EntryExportedFunctionCompleted:
			if lastPendingKey != "" {
				pw.results[lastPendingKey] = Result{Response: e.Payload}
				lastPendingKey = ""
			}
		}
	}
	return nil
}

// Enqueue durably appends req as a PendingWorkerInvocation entry, unless its
// idempotency key is already visible in history, in which case the original index is
// returned and no new entry is written (spec 4.4: "a duplicate key within the visible
// history yields the original result").
func (m *Manager) Enqueue(ctx context.Context, req Request) (golemid.OplogIndex, bool, error) {
	pw := m.worker(req.Worker)

	pw.mu.Lock()
	if req.IdempotencyKey != "" {
		if idx, ok := pw.seen[req.IdempotencyKey]; ok {
			pw.mu.Unlock()
			return idx, true, nil
		}
	}
	pw.mu.Unlock()

	payload, err := json.Marshal(types.PendingWorkerInvocationPayload{
		FunctionName:   req.FunctionName,
		Args:           req.Args,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return 0, false, fmt.Errorf("encode pending-worker-invocation: %w", err)
	}
	idx, err := m.store.Append(ctx, req.Worker, types.EntryPendingWorkerInvocation, payload)
	if err != nil {
		return 0, false, err
	}

	pw.mu.Lock()
	if req.IdempotencyKey != "" {
		pw.seen[req.IdempotencyKey] = idx
	}
	pw.pending = append(pw.pending, Queued{Index: idx, Request: req})
	pw.mu.Unlock()
	pw.wake()

	return idx, false, nil
}

// Dequeue blocks until a queued invocation is available for worker or ctx is canceled.
func (m *Manager) Dequeue(ctx context.Context, worker golemid.WorkerId) (Queued, error) {
	pw := m.worker(worker)
	for {
		pw.mu.Lock()
		if len(pw.pending) > 0 {
			q := pw.pending[0]
			pw.pending = pw.pending[1:]
			pw.mu.Unlock()
			return q, nil
		}
		pw.mu.Unlock()

		select {
		case <-pw.notifyCh:
		case <-ctx.Done():
			return Queued{}, ctx.Err()
		}
	}
}

// Complete records a finished invocation's result and wakes any InvokeAndAwait callers
// blocked on the same idempotency key. The caller (pkg/worker's engine) is responsible
// for having already appended the ExportedFunctionCompleted oplog entry.
func (m *Manager) Complete(worker golemid.WorkerId, key golemid.IdempotencyKey, result Result) {
	if key == "" {
		return
	}
	pw := m.worker(worker)
	pw.mu.Lock()
	pw.results[key] = result
	waiters := pw.waiters[key]
	delete(pw.waiters, key)
	pw.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
}

// Await blocks until the invocation identified by key completes, or returns
// immediately if it already has (spec 4.4, InvokeAndAwait).
func (m *Manager) Await(ctx context.Context, worker golemid.WorkerId, key golemid.IdempotencyKey) (Result, error) {
	pw := m.worker(worker)

	pw.mu.Lock()
	if r, ok := pw.results[key]; ok {
		pw.mu.Unlock()
		return r, nil
	}
	ch := make(chan Result, 1)
	pw.waiters[key] = append(pw.waiters[key], ch)
	pw.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Len reports the number of invocations currently queued for worker, for metrics and
// back-pressure decisions (spec section 9 flags a bounded-queue policy as an open
// question; this accessor is what a bounded wrapper would gate on).
func (m *Manager) Len(worker golemid.WorkerId) int {
	pw := m.worker(worker)
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return len(pw.pending)
}
