// Package worker implements the durable worker state machine: lifecycle, replay,
// suspension, interruption, retry, and update entry points (spec section 4.3).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/M0-find-U/golem/pkg/activeset"
	"github.com/M0-find-U/golem/pkg/durability"
	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/guest"
	"github.com/M0-find-U/golem/pkg/invocation"
	"github.com/M0-find-U/golem/pkg/kv"
	"github.com/M0-find-U/golem/pkg/limiter"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/promise"
	"github.com/M0-find-U/golem/pkg/types"
	"github.com/M0-find-U/golem/pkg/update"
)

// ProgramResolver fetches the guest program for a (ComponentId, version) pair. In
// production this would go through pkg/componentcache; tests supply an in-memory map.
type ProgramResolver func(ctx context.Context, component golemid.ComponentId, version golemid.ComponentVersion) (*guest.Program, error)

// updateRequester is the subset of *update.Manager the engine depends on; declared as
// an interface here so worker tests can substitute a fake without importing bbolt.
type updateRequester interface {
	RequestUpdate(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, mode types.UpdateMode) error
	ApplyAutomatic(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, newSize int64, replay update.ReplayFunc) error
	ApplySnapshotBased(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, newSize int64, oldProgram, newProgram guest.Snapshotter) error
}

// Engine owns every active worker instance on one executor. It is the single point
// through which workers are created, replayed, invoked, suspended, interrupted, and
// deleted.
type Engine struct {
	store       oplog.Store
	invocations *invocation.Manager
	updates     updateRequester
	limiter     *limiter.Limiter
	resolver    ProgramResolver
	activeSet   *activeset.Set
	promises    *promise.Registry
	kv          *kv.Store

	mu        sync.Mutex
	instances map[golemid.WorkerId]*Instance
}

// NewEngine constructs an Engine. updater may be nil if UpdateWorker is never called;
// promises and kv may be nil if this deployment never creates durable promises or uses
// the key-value host state (CompletePromise and the guest kv.* host calls then fail with
// a plain error instead of panicking).
func NewEngine(store oplog.Store, invocations *invocation.Manager, lim *limiter.Limiter, resolver ProgramResolver, activeSet *activeset.Set, updater updateRequester, promises *promise.Registry, kvStore *kv.Store) *Engine {
	return &Engine{
		store:       store,
		invocations: invocations,
		updates:     updater,
		limiter:     lim,
		resolver:    resolver,
		activeSet:   activeSet,
		promises:    promises,
		kv:          kvStore,
		instances:   make(map[golemid.WorkerId]*Instance),
	}
}

// Instance is one live worker activation. It implements activeset.Instance so the
// active-worker set can evict it under memory pressure.
type Instance struct {
	id      golemid.WorkerId
	engine  *Engine
	account string

	mu          sync.Mutex
	status      types.WorkerStatus
	version     golemid.ComponentVersion
	retryPolicy types.RetryPolicy
	wrapper     *durability.Wrapper
	program     *guest.Program

	interruptCh chan struct{}
}

func (inst *Instance) WorkerId() golemid.WorkerId { return inst.id }

// Evict drops the instance's in-memory state; it persists only as its oplog and is
// re-animated by replay on next touch (spec 4.7).
func (inst *Instance) Evict() {
	inst.engine.mu.Lock()
	delete(inst.engine.instances, inst.id)
	inst.engine.mu.Unlock()
}

// Status returns the instance's current state machine status.
func (inst *Instance) Status() types.WorkerStatus {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// Version returns the instance's current component version.
func (inst *Instance) Version() golemid.ComponentVersion {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.version
}

// Peek returns the resident instance for id without triggering replay, and reports
// whether one is resident. Used by GetWorkerMetadata's non-precise path (spec section 6)
// to answer from the last-durable-snapshot view rather than forcing a synchronous replay.
func (e *Engine) Peek(id golemid.WorkerId) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	return inst, ok
}

// ResidentWorkers returns the ids of every instance currently held in memory on this
// engine, used by GetRunningWorkersMetadata to avoid touching the oplog store at all.
func (e *Engine) ResidentWorkers() []golemid.WorkerId {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]golemid.WorkerId, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	return ids
}

// ListWorkers delegates to the underlying oplog store to enumerate every worker that
// has ever been created, used by GetWorkersMetadata's bulk query.
func (e *Engine) ListWorkers(ctx context.Context) ([]golemid.WorkerId, error) {
	return e.store.ListWorkers(ctx)
}

// Describe returns a metadata snapshot for id. When precise is true, or the worker is
// already resident, it activates (replaying if necessary) and reports the live instance's
// state. When precise is false and the worker is not resident, it reconstructs a
// best-effort snapshot from the oplog's Create entry and current length without forcing a
// replay, trading freshness for not pulling a cold worker into memory just to answer a
// metadata query (spec section 6, "the precise meaning of precise=true ... when a worker
// is mid-replay": precise waits for replay to finish rather than returning the stale view).
func (e *Engine) Describe(ctx context.Context, id golemid.WorkerId, precise bool) (*types.Worker, error) {
	var inst *Instance
	if !precise {
		var resident bool
		inst, resident = e.Peek(id)
		if !resident {
			return e.describeFromOplog(ctx, id)
		}
	} else {
		var err error
		inst, err = e.Activate(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	length, err := e.store.Length(ctx, id)
	if err != nil {
		return nil, err
	}
	return describeInstance(inst, length), nil
}

func describeInstance(inst *Instance, length golemid.OplogIndex) *types.Worker {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return &types.Worker{
		Id:               inst.id,
		ComponentVersion: inst.version,
		Account:          inst.account,
		Status:           inst.status,
		LastOplogIndex:   length,
	}
}

func (e *Engine) describeFromOplog(ctx context.Context, id golemid.WorkerId) (*types.Worker, error) {
	history, err := e.store.Read(ctx, id, golemid.FirstOplogIndex, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, golemerr.New(golemerr.KindWorkerNotFound, id.String())
	}
	version, account := decodeCreate(history[0])
	length, err := e.store.Length(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.Worker{
		Id:               id,
		ComponentVersion: version,
		Account:          account,
		Status:           types.WorkerStatusIdle,
		LastOplogIndex:   length,
	}, nil
}

// CreateWorker writes the Create entry and registers a fresh, Idle instance (spec 4.3,
// "the oplog has a Create entry at index 1").
func (e *Engine) CreateWorker(ctx context.Context, id golemid.WorkerId, version golemid.ComponentVersion, account string) (*Instance, error) {
	e.mu.Lock()
	if _, exists := e.instances[id]; exists {
		e.mu.Unlock()
		return nil, golemerr.New(golemerr.KindWorkerAlreadyExists, id.String())
	}
	e.mu.Unlock()

	length, err := e.store.Length(ctx, id)
	if err != nil {
		return nil, err
	}
	if length > 0 {
		return nil, golemerr.New(golemerr.KindWorkerAlreadyExists, id.String())
	}

	payload, err := json.Marshal(createPayload{ComponentVersion: version, Account: account})
	if err != nil {
		return nil, fmt.Errorf("encode create entry: %w", err)
	}
	if _, err := e.store.Append(ctx, id, types.EntryCreate, payload); err != nil {
		return nil, err
	}

	program, err := e.resolver(ctx, id.Component, version)
	if err != nil {
		return nil, golemerr.Wrap(golemerr.KindWorkerCreationFailed, id.String(), err)
	}

	inst := &Instance{
		id:          id,
		engine:      e,
		account:     account,
		status:      types.WorkerStatusIdle,
		version:     version,
		retryPolicy: types.DefaultRetryPolicy(),
		program:     program,
		wrapper:     durability.NewWrapper(e.store, id, nil, durability.Strict).WithKV(e.kv),
		interruptCh: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()
	if e.activeSet != nil {
		e.activeSet.Touch(id, inst)
	}
	return inst, nil
}

type createPayload struct {
	ComponentVersion golemid.ComponentVersion `json:"component_version"`
	Account          string                   `json:"account"`
}

// Activate returns the live instance for id, replaying from the oplog if it is not
// already resident (spec 4.3: "Replay is the prefix of any -> Running transition that
// occurs whenever the in-memory instance does not reflect the oplog tail").
func (e *Engine) Activate(ctx context.Context, id golemid.WorkerId) (*Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if ok {
		if e.activeSet != nil {
			e.activeSet.Touch(id, inst)
		}
		return inst, nil
	}
	return e.replay(ctx, id)
}

func (e *Engine) replay(ctx context.Context, id golemid.WorkerId) (*Instance, error) {
	history, err := e.store.Read(ctx, id, golemid.FirstOplogIndex, 1<<30)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, golemerr.New(golemerr.KindWorkerNotFound, id.String())
	}

	version, account := decodeCreate(history[0])
	program, err := e.resolver(ctx, id.Component, version)
	if err != nil {
		return nil, golemerr.Wrap(golemerr.KindWorkerCreationFailed, id.String(), err)
	}

	// Rebuild the idempotency-key dedup index from history so a cold-started executor
	// still honors spec section 8's "Idempotent invoke" property for keys submitted
	// before restart.
	if err := e.invocations.Load(ctx, id, history); err != nil {
		return nil, err
	}

	wrapper := durability.NewWrapper(e.store, id, history, durability.Strict).WithKV(e.kv)
	inst := &Instance{
		id:          id,
		engine:      e,
		account:     account,
		status:      types.WorkerStatusIdle,
		version:     version,
		retryPolicy: types.DefaultRetryPolicy(),
		program:     program,
		wrapper:     wrapper,
		interruptCh: make(chan struct{}, 1),
	}

	if err := e.replayEntries(ctx, inst, history); err != nil {
		inst.status = types.WorkerStatusFailed
		e.appendError(ctx, id, err)
		e.mu.Lock()
		e.instances[id] = inst
		e.mu.Unlock()
		return inst, err
	}

	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()
	if e.activeSet != nil {
		e.activeSet.Touch(id, inst)
	}
	log.Info("worker replayed", "worker", id.String(), "entries", len(history))
	return inst, nil
}

// replayEntries re-executes every ExportedFunctionInvoked export call in history
// against inst.program through inst.wrapper, so the wrapper's cursor advances exactly
// as it would have live and any divergence is surfaced before live execution resumes.
// Atomic regions missing their EndAtomicRegion are rolled back per spec section 3: any
// entries in (begin, end] are skipped rather than re-executed.
func (e *Engine) replayEntries(ctx context.Context, inst *Instance, history []types.OplogEntry) error {
	skipUntil := golemid.OplogIndex(0)
	for i, entry := range history {
		if entry.Index <= skipUntil {
			continue
		}
		switch entry.Kind {
		case types.EntryBeginAtomicRegion:
			if !hasMatchingEnd(history[i+1:], entry.Index) {
				skipUntil = history[len(history)-1].Index
			}
		case types.EntryExportedFunctionInvoked:
			var p types.PendingWorkerInvocationPayload
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				return golemerr.New(golemerr.KindReplayDivergence, fmt.Sprintf("worker %s: undecodable exported-function-invoked at %d", inst.id, entry.Index))
			}
			if _, err := inst.program.Invoke(ctx, p.FunctionName, p.Args, inst.wrapper); err != nil {
				return golemerr.Wrap(golemerr.KindReplayDivergence, fmt.Sprintf("worker %s: replaying export %q", inst.id, p.FunctionName), err)
			}
		}
	}
	return nil
}

func hasMatchingEnd(rest []types.OplogEntry, begin golemid.OplogIndex) bool {
	for _, e := range rest {
		if e.Kind == types.EntryEndAtomicRegion {
			var p types.EndAtomicRegionPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil && p.BeginIndex == begin {
				return true
			}
		}
	}
	return false
}

func decodeCreate(entry types.OplogEntry) (golemid.ComponentVersion, string) {
	var p createPayload
	_ = json.Unmarshal(entry.Payload, &p)
	return p.ComponentVersion, p.Account
}

// Invoke runs functionName on worker with args, admitting the call through the
// limiter, executing under the single-frame-per-worker invariant via inst.mu, and
// handling the Failed->Retrying->Running cycle on trappable errors.
func (inst *Instance) Invoke(ctx context.Context, functionName string, args []byte, idempotencyKey golemid.IdempotencyKey, estimatedFuel uint64) ([]byte, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status == types.WorkerStatusFailed || inst.status == types.WorkerStatusDeleted || inst.status == types.WorkerStatusExited {
		return nil, golemerr.New(golemerr.KindInvalidStatus, fmt.Sprintf("worker %s is %s", inst.id, inst.status))
	}

	_, dup, err := inst.engine.invocations.Enqueue(ctx, invocation.Request{
		Worker:         inst.id,
		FunctionName:   functionName,
		Args:           args,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if dup {
		// A call with this idempotency key has already been submitted: wait for its
		// result instead of executing functionName a second time (spec section 8,
		// "Idempotent invoke" — a duplicate key yields the original outcome, not a
		// second execution).
		result, err := inst.engine.invocations.Await(ctx, inst.id, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return result.Response, result.Err
	}

	if inst.engine.limiter != nil && !inst.engine.limiter.AdmitInvocation(inst.account, estimatedFuel) {
		return nil, golemerr.New(golemerr.KindFuelExhausted, inst.id.String())
	}

	inst.status = types.WorkerStatusRunning

	invokedPayload, err := json.Marshal(types.PendingWorkerInvocationPayload{
		FunctionName:   functionName,
		Args:           args,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode exported-function-invoked: %w", err)
	}
	if _, err := inst.engine.store.Append(ctx, inst.id, types.EntryExportedFunctionInvoked, invokedPayload); err != nil {
		return nil, err
	}

	var result []byte
	var callErr error
	for attempt := 0; ; attempt++ {
		result, callErr = inst.program.Invoke(ctx, functionName, args, inst.wrapper)
		if callErr == nil {
			break
		}
		if kind, ok := golemerr.As(callErr); ok && kind == golemerr.KindReplayDivergence {
			inst.status = types.WorkerStatusFailed
			inst.engine.appendError(ctx, inst.id, callErr)
			inst.engine.invocations.Complete(inst.id, idempotencyKey, invocation.Result{Err: callErr})
			return nil, callErr
		}
		if attempt >= inst.retryPolicy.MaxAttempts {
			inst.status = types.WorkerStatusFailed
			inst.engine.appendError(ctx, inst.id, callErr)
			inst.engine.invocations.Complete(inst.id, idempotencyKey, invocation.Result{Err: callErr})
			return nil, callErr
		}
		inst.status = types.WorkerStatusRetrying
		inst.engine.appendError(ctx, inst.id, callErr)
		delay := backoffDelay(inst.retryPolicy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			inst.engine.invocations.Complete(inst.id, idempotencyKey, invocation.Result{Err: ctx.Err()})
			return nil, ctx.Err()
		}
		inst.status = types.WorkerStatusRunning
	}

	completedPayload, _ := json.Marshal(map[string]string{"function": functionName})
	if _, err := inst.engine.store.Append(ctx, inst.id, types.EntryExportedFunctionCompleted, completedPayload); err != nil {
		return nil, err
	}
	inst.status = types.WorkerStatusIdle
	inst.engine.invocations.Complete(inst.id, idempotencyKey, invocation.Result{Response: result})
	return result, nil
}

// backoffDelay implements the jittered exponential backoff formula supplementing
// spec section 4.3's retry policy knobs (SPEC_FULL.md section C.6): delay grows by
// Multiplier per attempt, capped at MaxDelay, then scaled down by a uniform random
// factor in [1-JitterFactor, 1].
func backoffDelay(policy types.RetryPolicy, attempt int) time.Duration {
	delay := float64(policy.MinDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.Multiplier
	}
	if max := float64(policy.MaxDelay); delay > max {
		delay = max
	}
	jitter := 1 - policy.JitterFactor*rand.Float64()
	return time.Duration(delay * jitter)
}

func (e *Engine) appendError(ctx context.Context, worker golemid.WorkerId, cause error) {
	payload, _ := json.Marshal(map[string]string{"detail": cause.Error()})
	if _, err := e.store.Append(ctx, worker, types.EntryError, payload); err != nil {
		log.Error("failed to append error entry", "worker", worker.String(), "error", err.Error())
	}
}

// Suspend transitions a Running worker to Suspended while it awaits a pending promise,
// writing a Suspend entry (spec 4.3).
func (inst *Instance) Suspend(ctx context.Context, pendingPromise golemid.PromiseId) error {
	if inst.engine.promises != nil {
		if err := inst.engine.promises.Create(ctx, pendingPromise); err != nil {
			return err
		}
	}

	inst.mu.Lock()
	inst.status = types.WorkerStatusSuspended
	inst.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"promise": pendingPromise.String()})
	_, err := inst.engine.store.Append(ctx, inst.id, types.EntrySuspend, payload)
	return err
}

// Resume transitions a Suspended worker back to Running on external completion.
func (inst *Instance) Resume(ctx context.Context) error {
	inst.mu.Lock()
	inst.status = types.WorkerStatusRunning
	inst.mu.Unlock()
	_, err := inst.engine.store.Append(ctx, inst.id, types.EntryResume, nil)
	return err
}

// Interrupt interrupts a Running worker: the status passes through Interrupting and is
// set to Interrupted within this call, and an Interrupted entry is appended. It does not
// wait for a cooperative yield; nothing reads the signal posted on interruptCh. If
// recoverImmediately is set, the worker then re-enters Idle and a Resume entry is
// appended.
func (inst *Instance) Interrupt(ctx context.Context, recoverImmediately bool) error {
	inst.mu.Lock()
	if inst.status != types.WorkerStatusRunning {
		inst.mu.Unlock()
		return golemerr.New(golemerr.KindInvalidStatus, fmt.Sprintf("worker %s is not running", inst.id))
	}
	inst.status = types.WorkerStatusInterrupting
	inst.mu.Unlock()

	select {
	case inst.interruptCh <- struct{}{}:
	default:
	}

	inst.mu.Lock()
	inst.status = types.WorkerStatusInterrupted
	inst.mu.Unlock()
	if _, err := inst.engine.store.Append(ctx, inst.id, types.EntryInterrupted, nil); err != nil {
		return err
	}

	if recoverImmediately {
		inst.mu.Lock()
		inst.status = types.WorkerStatusIdle
		inst.mu.Unlock()
		_, err := inst.engine.store.Append(ctx, inst.id, types.EntryResume, nil)
		return err
	}
	return nil
}

// Delete writes a terminal Exited marker and removes the instance from the active set;
// the worker's oplog remains for audit but the worker can never run again.
func (inst *Instance) Delete(ctx context.Context) error {
	inst.mu.Lock()
	inst.status = types.WorkerStatusDeleted
	inst.mu.Unlock()
	if _, err := inst.engine.store.Append(ctx, inst.id, types.EntryExited, nil); err != nil {
		return err
	}
	if inst.engine.activeSet != nil {
		inst.engine.activeSet.Remove(inst.id)
	}
	return nil
}

// RequestUpdate records the PendingUpdate entry via the configured updateRequester
// (pkg/update.Manager) and then immediately drives the chosen protocol to completion
// against worker's live instance (spec 4.5): automatic mode replays the full history
// under the target version's program and detects divergence; snapshot-based mode
// captures guest state on the current program and restores it into the target. Either
// outcome is durably recorded (SuccessfulUpdate/FailedUpdate) before this returns, and
// a failure leaves the instance running its prior version untouched.
func (e *Engine) RequestUpdate(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, mode types.UpdateMode) error {
	if e.updates == nil {
		return fmt.Errorf("worker engine: no update requester configured")
	}
	if err := e.updates.RequestUpdate(ctx, worker, targetVersion, mode); err != nil {
		return err
	}

	inst, err := e.Activate(ctx, worker)
	if err != nil {
		return err
	}
	newProgram, err := e.resolver(ctx, worker.Component, targetVersion)
	if err != nil {
		return err
	}

	switch mode {
	case types.UpdateModeAutomatic:
		return e.applyAutomaticUpdate(ctx, inst, targetVersion, newProgram)
	case types.UpdateModeSnapshotBased:
		return e.applySnapshotUpdate(ctx, inst, targetVersion, newProgram)
	default:
		return fmt.Errorf("worker engine: unknown update mode %q", mode)
	}
}

// applyAutomaticUpdate replays worker's full oplog under newProgram to check for
// divergence before committing to it. The probe instance shares nothing with inst but
// its id (for error messages), so a diverging replay never touches the live instance.
func (e *Engine) applyAutomaticUpdate(ctx context.Context, inst *Instance, targetVersion golemid.ComponentVersion, newProgram *guest.Program) error {
	history, err := e.store.Read(ctx, inst.id, golemid.FirstOplogIndex, 1<<30)
	if err != nil {
		return err
	}

	replay := func(ctx context.Context) error {
		probe := &Instance{
			id:      inst.id,
			engine:  e,
			program: newProgram,
			wrapper: durability.NewWrapper(e.store, inst.id, history, durability.Strict),
		}
		return e.replayEntries(ctx, probe, history)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := e.updates.ApplyAutomatic(ctx, inst.id, targetVersion, 0, replay); err != nil {
		return err
	}
	inst.program = newProgram
	inst.version = targetVersion
	return nil
}

// applySnapshotUpdate captures guest state from inst's current program and restores it
// into newProgram; *guest.Program always satisfies Snapshotter, failing Capture/Restore
// with a plain error when the program defines no CaptureFunc/RestoreFunc, which
// ApplySnapshotBased turns into a FailedUpdate.
func (e *Engine) applySnapshotUpdate(ctx context.Context, inst *Instance, targetVersion golemid.ComponentVersion, newProgram *guest.Program) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := e.updates.ApplySnapshotBased(ctx, inst.id, targetVersion, 0, inst.program, newProgram); err != nil {
		return err
	}
	inst.program = newProgram
	inst.version = targetVersion
	return nil
}
