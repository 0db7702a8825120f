package types

import (
	"time"

	"github.com/M0-find-U/golem/pkg/golemid"
)

// WorkerStatus is the worker state machine's current state (spec section 4.3).
type WorkerStatus string

const (
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusRunning      WorkerStatus = "running"
	WorkerStatusSuspended    WorkerStatus = "suspended"
	WorkerStatusInterrupting WorkerStatus = "interrupting"
	WorkerStatusInterrupted  WorkerStatus = "interrupted"
	WorkerStatusRetrying     WorkerStatus = "retrying"
	WorkerStatusFailed       WorkerStatus = "failed"
	WorkerStatusExited       WorkerStatus = "exited"
	WorkerStatusDeleted      WorkerStatus = "deleted"
)

// Worker is the durable metadata record for one worker instance. The oplog itself
// (held by pkg/oplog) is the authority for state reconstruction; this struct is the
// in-memory / RPC-facing summary of it.
type Worker struct {
	Id               golemid.WorkerId
	ComponentVersion golemid.ComponentVersion
	Env              map[string]string
	Args             []string
	Account          string
	Parent           *golemid.WorkerId
	Status           WorkerStatus
	LastOplogIndex   golemid.OplogIndex
	PendingCursor    golemid.OplogIndex
	RetryPolicy      RetryPolicy
	Resources        ResourceUsage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ResourceUsage tracks a worker's accumulated memory and fuel consumption against the
// limiter's admission checks (spec section 5).
type ResourceUsage struct {
	MemoryBytes  int64
	FuelConsumed uint64
}

// RetryPolicy governs Failed->Retrying->Running transitions (spec section 4.3).
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterFactor float64
}

// DefaultRetryPolicy is a conservative exponential-backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		MinDelay:     500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// WrappedFunctionType classifies a host call for the durability wrapper (spec 4.2).
type WrappedFunctionType string

const (
	ReadLocal         WrappedFunctionType = "read-local"
	WriteLocal        WrappedFunctionType = "write-local"
	ReadRemote        WrappedFunctionType = "read-remote"
	WriteRemote       WrappedFunctionType = "write-remote"
	WriteRemoteBatched WrappedFunctionType = "write-remote-batched"
)

// OplogEntryKind is the closed set of oplog variants (spec section 4.1). Kept as a
// distinct type from WorkerStatus and WrappedFunctionType so one cannot be passed where
// another is expected. Go does not check that a switch over it covers every variant.
type OplogEntryKind string

const (
	EntryCreate                    OplogEntryKind = "create"
	EntryImportedFunctionInvoked   OplogEntryKind = "imported-function-invoked"
	EntryExportedFunctionInvoked   OplogEntryKind = "exported-function-invoked"
	EntryExportedFunctionCompleted OplogEntryKind = "exported-function-completed"
	EntrySuspend                   OplogEntryKind = "suspend"
	EntryResume                    OplogEntryKind = "resume"
	EntryInterrupted               OplogEntryKind = "interrupted"
	EntryExited                    OplogEntryKind = "exited"
	EntryError                     OplogEntryKind = "error"
	EntryJump                      OplogEntryKind = "jump"
	EntryNoOp                      OplogEntryKind = "no-op"
	EntryChangeRetryPolicy         OplogEntryKind = "change-retry-policy"
	EntryBeginAtomicRegion         OplogEntryKind = "begin-atomic-region"
	EntryEndAtomicRegion           OplogEntryKind = "end-atomic-region"
	EntryBeginRemoteWrite          OplogEntryKind = "begin-remote-write"
	EntryEndRemoteWrite            OplogEntryKind = "end-remote-write"
	EntryPendingWorkerInvocation   OplogEntryKind = "pending-worker-invocation"
	EntryPendingUpdate             OplogEntryKind = "pending-update"
	EntrySuccessfulUpdate          OplogEntryKind = "successful-update"
	EntryFailedUpdate              OplogEntryKind = "failed-update"
	EntryGrowMemory                OplogEntryKind = "grow-memory"
	EntryCreateResource            OplogEntryKind = "create-resource"
	EntryDropResource              OplogEntryKind = "drop-resource"
	EntryDescribeResource          OplogEntryKind = "describe-resource"
	EntryLog                       OplogEntryKind = "log"
)

// OplogEntry is the wire/storage record for a single oplog slot. Payload is a
// self-describing, variant-specific blob (JSON in this implementation); Index and
// Timestamp are assigned by the store at append time, never by the caller.
type OplogEntry struct {
	Index     golemid.OplogIndex
	Timestamp time.Time
	Kind      OplogEntryKind
	Payload   []byte
}

// ImportedFunctionInvokedPayload is the decoded payload of an EntryImportedFunctionInvoked.
type ImportedFunctionInvokedPayload struct {
	FunctionName   string
	FunctionType   WrappedFunctionType
	Request        []byte
	Response       []byte
	IdempotencyKey golemid.IdempotencyKey
}

// BeginRemoteWritePayload is the decoded payload of an EntryBeginRemoteWrite.
type BeginRemoteWritePayload struct {
	FunctionName   string
	Request        []byte
	IdempotencyKey golemid.IdempotencyKey
}

// EndRemoteWritePayload is the decoded payload of an EntryEndRemoteWrite.
type EndRemoteWritePayload struct {
	BeginIndex golemid.OplogIndex
}

// EndAtomicRegionPayload closes the atomic region opened by the BeginAtomicRegion entry
// at BeginIndex (spec 3).
type EndAtomicRegionPayload struct {
	BeginIndex golemid.OplogIndex
}

// JumpPayload describes a replay-time skip over a range of indices (spec 4.1).
type JumpPayload struct {
	Start golemid.OplogIndex
	End   golemid.OplogIndex
}

// PendingUpdatePayload/SuccessfulUpdatePayload/FailedUpdatePayload record the update
// protocol's outcome (spec 4.5).
type PendingUpdatePayload struct {
	TargetVersion golemid.ComponentVersion
	Mode          UpdateMode
}

type SuccessfulUpdatePayload struct {
	TargetVersion golemid.ComponentVersion
	NewSize       int64
}

type FailedUpdatePayload struct {
	TargetVersion golemid.ComponentVersion
	Details       string
}

// UpdateMode selects the update protocol (spec 4.5).
type UpdateMode string

const (
	UpdateModeAutomatic     UpdateMode = "automatic"
	UpdateModeSnapshotBased UpdateMode = "snapshot-based"
)

// PendingWorkerInvocationPayload records an enqueued invocation (spec 4.4).
type PendingWorkerInvocationPayload struct {
	FunctionName   string
	Args           []byte
	IdempotencyKey golemid.IdempotencyKey
}

// PromiseState is the state of a Promise (spec 3).
type PromiseState string

const (
	PromisePending   PromiseState = "pending"
	PromiseCompleted PromiseState = "completed"
)

// Promise is a named, durable, one-shot awaitable value.
type Promise struct {
	Id    golemid.PromiseId
	State PromiseState
	Value []byte
}

// ExecutorNode identifies one executor in the placement layer (spec 4.8-4.9).
type ExecutorNode struct {
	Id      string
	Address string
}

// NodeHealth is a node's health-check-derived liveness state (spec 4.9).
type NodeHealth string

const (
	NodeHealthy   NodeHealth = "healthy"
	NodeSuspect   NodeHealth = "suspect"
	NodeDead      NodeHealth = "dead"
)

// ShardMap is the mapping from ShardId to the ExecutorNode holding it, plus the set
// of nodes currently considered alive (spec 3, 4.8).
type ShardMap struct {
	Assignment map[golemid.ShardId]string // node id, "" means Unassigned
	AliveNodes map[string]ExecutorNode
}

// RebalancePlan is a set-difference between an intended and effective shard map,
// expressed per node (spec 4.8).
type RebalancePlan struct {
	Assign map[string][]golemid.ShardId
	Revoke map[string][]golemid.ShardId
}

// ComponentMetadata describes a fetched, cached compiled component artifact (spec 4.6).
type ComponentMetadata struct {
	Id            golemid.ComponentId
	Version       golemid.ComponentVersion
	ContentHash   string
	CompilerVer   string
	SizeBytes     int64
	CachedAt      time.Time
}
