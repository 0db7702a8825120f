// Package executor ties together the worker engine, active-worker set, and shard
// ownership into the Executor RPC contract named by spec section 6: CreateWorker,
// InvokeWorker/InvokeAndAwaitWorker, ConnectWorker, DeleteWorker, CompletePromise,
// InterruptWorker, ResumeWorker, GetWorkerMetadata, GetRunningWorkersMetadata,
// GetWorkersMetadata, GetOplog, UpdateWorker, AssignShards, RevokeShards.
// No generated gRPC service stubs are defined here. pkg/rpc carries AssignShards and
// RevokeShards over net/rpc; the other methods are called in-process.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/M0-find-U/golem/pkg/events"
	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/promise"
	"github.com/M0-find-U/golem/pkg/shard"
	"github.com/M0-find-U/golem/pkg/types"
	"github.com/M0-find-U/golem/pkg/worker"
)

// ActiveSet is the subset of activeset.Set the executor needs, factored out as an
// interface so tests can substitute a fake without the hashicorp/golang-lru dependency.
type ActiveSet interface {
	Remove(worker golemid.WorkerId)
	Keys() []golemid.WorkerId
}

// Executor is one node's RPC-facing surface: a worker engine plus the shard
// ownership the node currently holds. A request against a worker whose shard this
// node does not own fails fast with WrongShard rather than silently
// creating or replaying it (spec section 4.10's router depends on this to redirect).
type Executor struct {
	engine    *worker.Engine
	activeSet ActiveSet
	store     oplog.Store
	ring      *shard.Ring
	broker    *events.Broker
	promises  *promise.Registry

	mu    sync.RWMutex
	owned map[golemid.ShardId]struct{}
}

// New constructs an Executor with no shards owned; AssignShards grants ownership.
// promises may be nil if CompletePromise is never called; it should be the same
// *promise.Registry passed to worker.NewEngine so a promise a worker suspends on and the
// external CompletePromise RPC that completes it share one durable store.
func New(engine *worker.Engine, activeSet ActiveSet, store oplog.Store, ring *shard.Ring, broker *events.Broker, promises *promise.Registry) *Executor {
	return &Executor{
		engine:    engine,
		activeSet: activeSet,
		store:     store,
		ring:      ring,
		broker:    broker,
		promises:  promises,
		owned:     make(map[golemid.ShardId]struct{}),
	}
}

// AssignShards grants this node ownership of ids, issued by the shard manager's
// control loop (spec section 4.9).
func (e *Executor) AssignShards(ctx context.Context, ids []golemid.ShardId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.owned[id] = struct{}{}
	}
	log.Info("shards assigned", "count", len(ids))
	return nil
}

// RevokeShards withdraws ownership of ids and evicts any resident worker that falls
// under them, so a stale local instance can never serve a request for a shard this
// node no longer owns.
func (e *Executor) RevokeShards(ctx context.Context, ids []golemid.ShardId) error {
	revoked := make(map[golemid.ShardId]struct{}, len(ids))

	e.mu.Lock()
	for _, id := range ids {
		delete(e.owned, id)
		revoked[id] = struct{}{}
	}
	e.mu.Unlock()

	for _, wid := range e.activeSet.Keys() {
		if _, gone := revoked[e.ring.ShardFor(wid)]; gone {
			e.activeSet.Remove(wid)
		}
	}

	log.Info("shards revoked", "count", len(ids))
	return nil
}

// OwnsWorker reports whether this node currently owns worker's shard.
func (e *Executor) OwnsWorker(worker golemid.WorkerId) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.owned[e.ring.ShardFor(worker)]
	return ok
}

func (e *Executor) checkOwnership(worker golemid.WorkerId) error {
	if e.OwnsWorker(worker) {
		return nil
	}
	return golemerr.New(golemerr.KindWrongShard,
		fmt.Sprintf("worker %s: shard %d not owned by this node", worker, e.ring.ShardFor(worker)))
}

// CreateWorker creates a new durable worker instance.
func (e *Executor) CreateWorker(ctx context.Context, id golemid.WorkerId, version golemid.ComponentVersion, account string) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	_, err := e.engine.CreateWorker(ctx, id, version, account)
	return err
}

// InvokeWorker enqueues an invocation without waiting for its result (fire-and-forget;
// the caller later observes completion via ConnectWorker or GetOplog).
func (e *Executor) InvokeWorker(ctx context.Context, id golemid.WorkerId, functionName string, args []byte, idempotencyKey golemid.IdempotencyKey) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	inst, err := e.engine.Activate(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		if _, err := inst.Invoke(context.Background(), functionName, args, idempotencyKey, 0); err != nil {
			e.publish(id, events.EventInvocationFailed, err.Error())
			return
		}
		e.publish(id, events.EventInvocationCompleted, functionName)
	}()
	e.publish(id, events.EventInvocationStarted, functionName)
	return nil
}

// InvokeAndAwaitWorker invokes functionName and blocks for its result.
func (e *Executor) InvokeAndAwaitWorker(ctx context.Context, id golemid.WorkerId, functionName string, args []byte, idempotencyKey golemid.IdempotencyKey) ([]byte, error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, err
	}
	inst, err := e.engine.Activate(ctx, id)
	if err != nil {
		return nil, err
	}

	e.publish(id, events.EventInvocationStarted, functionName)
	result, err := inst.Invoke(ctx, functionName, args, idempotencyKey, 0)
	if err != nil {
		e.publish(id, events.EventInvocationFailed, err.Error())
		return nil, err
	}
	e.publish(id, events.EventInvocationCompleted, functionName)
	return result, nil
}

// ConnectWorker opens a log/status event stream for worker. The caller must invoke
// the returned cancel function once done to release the subscription.
func (e *Executor) ConnectWorker(ctx context.Context, id golemid.WorkerId) (events.Subscriber, func(), error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, nil, err
	}
	sub := e.broker.Subscribe(id)
	cancel := func() { e.broker.Unsubscribe(id, sub) }
	return sub, cancel, nil
}

// DeleteWorker tombstones worker, the terminal transition of spec section 4.3.
func (e *Executor) DeleteWorker(ctx context.Context, id golemid.WorkerId) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	inst, err := e.engine.Activate(ctx, id)
	if err != nil {
		return err
	}
	return inst.Delete(ctx)
}

// InterruptWorker requests cooperative interruption, optionally re-entering the
// worker immediately once interrupted (spec section 5).
func (e *Executor) InterruptWorker(ctx context.Context, id golemid.WorkerId, recoverImmediately bool) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	inst, err := e.engine.Activate(ctx, id)
	if err != nil {
		return err
	}
	return inst.Interrupt(ctx, recoverImmediately)
}

// ResumeWorker resumes a suspended worker.
func (e *Executor) ResumeWorker(ctx context.Context, id golemid.WorkerId) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	inst, err := e.engine.Activate(ctx, id)
	if err != nil {
		return err
	}
	return inst.Resume(ctx)
}

// UpdateWorker requests a version update via the automatic or snapshot-based
// protocol (spec section 4.5).
func (e *Executor) UpdateWorker(ctx context.Context, id golemid.WorkerId, targetVersion golemid.ComponentVersion, mode types.UpdateMode) error {
	if err := e.checkOwnership(id); err != nil {
		return err
	}
	return e.engine.RequestUpdate(ctx, id, targetVersion, mode)
}

// GetWorkerMetadata returns worker's current status. When precise is true the query
// waits for any in-progress replay to finish and reports the live instance's state;
// when false, it answers from the resident instance if one exists without forcing a
// replay, or reconstructs a snapshot from the oplog's Create entry and length otherwise.
func (e *Executor) GetWorkerMetadata(ctx context.Context, id golemid.WorkerId, precise bool) (*types.Worker, error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, err
	}
	return e.engine.Describe(ctx, id, precise)
}

// GetRunningWorkersMetadata returns metadata for every resident worker on this node
// belonging to component and currently in WorkerStatusRunning (spec section 6). Unlike
// GetWorkersMetadata it never touches the oplog store: a worker that is not resident is
// by definition not running.
func (e *Executor) GetRunningWorkersMetadata(ctx context.Context, component golemid.ComponentId) ([]*types.Worker, error) {
	var out []*types.Worker
	for _, id := range e.engine.ResidentWorkers() {
		if id.Component != component || !e.OwnsWorker(id) {
			continue
		}
		meta, err := e.engine.Describe(ctx, id, false)
		if err != nil {
			continue
		}
		if meta.Status == types.WorkerStatusRunning {
			out = append(out, meta)
		}
	}
	return out, nil
}

// WorkerFilter narrows a GetWorkersMetadata page; a nil filter matches every worker.
type WorkerFilter func(*types.Worker) bool

// GetWorkersMetadata is the cursor-paginated bulk query named by spec section 6:
// `GetWorkersMetadata{cursor,count,filter,precise}`. Workers belonging to component and
// owned by this node are listed in ascending WorkerId.Name order, resumed from cursor
// (the empty string starts from the beginning), and returned up to count at a time along
// with the cursor to pass for the next page ("" once exhausted). filter is applied after
// ownership/component scoping and before paging, so a restrictive filter can still walk
// multiple pages to fill count.
func (e *Executor) GetWorkersMetadata(ctx context.Context, component golemid.ComponentId, cursor string, count int, filter WorkerFilter, precise bool) ([]*types.Worker, string, error) {
	if count <= 0 {
		count = 50
	}

	ids, err := e.engine.ListWorkers(ctx)
	if err != nil {
		return nil, "", err
	}
	var scoped []golemid.WorkerId
	for _, id := range ids {
		if id.Component == component && e.OwnsWorker(id) {
			scoped = append(scoped, id)
		}
	}
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].Name < scoped[j].Name })

	start := 0
	if cursor != "" {
		start = sort.Search(len(scoped), func(i int) bool { return scoped[i].Name > cursor })
	}

	var page []*types.Worker
	lastName := ""
	for i := start; i < len(scoped); i++ {
		if len(page) >= count {
			return page, lastName, nil
		}
		meta, err := e.engine.Describe(ctx, scoped[i], precise)
		if err != nil {
			continue
		}
		if filter != nil && !filter(meta) {
			continue
		}
		page = append(page, meta)
		lastName = scoped[i].Name
	}
	return page, "", nil
}

// CompletePromise completes a promise an awaiting worker is suspended on (spec section 6
// CompletePromise RPC; spec section 3: a promise is completed exactly once, either by the
// worker itself or by this external call). Returns false if it was already completed.
func (e *Executor) CompletePromise(ctx context.Context, id golemid.PromiseId, value []byte) (bool, error) {
	if err := e.checkOwnership(id.Worker); err != nil {
		return false, err
	}
	if e.promises == nil {
		return false, fmt.Errorf("executor: no promise registry configured")
	}
	return e.promises.Complete(ctx, id, value)
}

// GetOplog returns up to count entries of worker's history starting at fromIndex,
// for cursor-paginated inspection (spec section 6).
func (e *Executor) GetOplog(ctx context.Context, id golemid.WorkerId, fromIndex golemid.OplogIndex, count int) ([]types.OplogEntry, error) {
	if err := e.checkOwnership(id); err != nil {
		return nil, err
	}
	return e.store.Read(ctx, id, fromIndex, count)
}

func (e *Executor) publish(id golemid.WorkerId, kind events.EventType, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Worker: id, Type: kind, Message: message})
}
