// Package oplog implements the per-worker, append-only durability log: the engine's
// single source of truth for replay.
package oplog

import (
	"context"
	"fmt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/types"
)

// FormatVersion is stamped on every entry written by this build. A reader that
// encounters a higher version, or a variant tag it does not recognize, must reject the
// entry with a structured error rather than silently skip it.
const FormatVersion = 1

// Store is the oplog contract: append, bounded read, length, and crash-recovery
// truncation of torn trailing writes (spec section 4.1).
type Store interface {
	// Append durably writes a new entry to worker's log and returns its assigned index.
	// Returns only after the entry is durable in the primary tier.
	Append(ctx context.Context, worker golemid.WorkerId, kind types.OplogEntryKind, payload []byte) (golemid.OplogIndex, error)

	// Read returns up to count entries starting at from (inclusive), transparently
	// spanning the primary and archive tiers.
	Read(ctx context.Context, worker golemid.WorkerId, from golemid.OplogIndex, count int) ([]types.OplogEntry, error)

	// Length returns the index of the last entry written, or 0 if the worker has no log.
	Length(ctx context.Context, worker golemid.WorkerId) (golemid.OplogIndex, error)

	// TruncateAfter discards every entry with index > index. Used only during startup
	// recovery of a torn trailing write; never called against committed entries.
	TruncateAfter(ctx context.Context, worker golemid.WorkerId, index golemid.OplogIndex) error

	// ListWorkers returns every worker id with a log in this store, in no particular
	// order. Used by GetWorkersMetadata's cursor-paginated bulk query (spec section 6);
	// callers needing a stable order sort the result themselves.
	ListWorkers(ctx context.Context) ([]golemid.WorkerId, error)

	// Close releases underlying storage handles.
	Close() error
}

// Archiver moves sealed chunks from the primary tier to a cheaper, immutable tier and
// records the move in the per-worker manifest. Implemented by *BoltStore. No package in
// this module runs archival on a schedule; it happens only when a caller invokes
// ArchiveSealedChunks.
type Archiver interface {
	// ArchiveSealedChunks moves every chunk of worker's log older than the live window
	// into the archive tier. Idempotent: re-running against an already-archived chunk
	// is a no-op. Returns the number of chunks archived.
	ArchiveSealedChunks(ctx context.Context, worker golemid.WorkerId) (int, error)
}

// Manifest is a worker's chunk bookkeeping record (spec section 6, "Persisted state
// layout").
type Manifest struct {
	FirstLiveChunk int
	LastIndex      golemid.OplogIndex
	StatusHint     types.WorkerStatus
}

var knownKinds = map[types.OplogEntryKind]struct{}{
	types.EntryCreate:                    {},
	types.EntryImportedFunctionInvoked:   {},
	types.EntryExportedFunctionInvoked:   {},
	types.EntryExportedFunctionCompleted: {},
	types.EntrySuspend:                   {},
	types.EntryResume:                    {},
	types.EntryInterrupted:               {},
	types.EntryExited:                    {},
	types.EntryError:                     {},
	types.EntryJump:                      {},
	types.EntryNoOp:                      {},
	types.EntryChangeRetryPolicy:         {},
	types.EntryBeginAtomicRegion:         {},
	types.EntryEndAtomicRegion:           {},
	types.EntryBeginRemoteWrite:          {},
	types.EntryEndRemoteWrite:            {},
	types.EntryPendingWorkerInvocation:   {},
	types.EntryPendingUpdate:             {},
	types.EntrySuccessfulUpdate:          {},
	types.EntryFailedUpdate:              {},
	types.EntryGrowMemory:                {},
	types.EntryCreateResource:            {},
	types.EntryDropResource:              {},
	types.EntryDescribeResource:          {},
	types.EntryLog:                       {},
}

func errUnknownVariant(worker golemid.WorkerId, kind string) error {
	return golemerr.New(golemerr.KindUnknownOplogVariant,
		fmt.Sprintf("worker %s: unknown oplog entry variant %q (format version %d)", worker, kind, FormatVersion))
}

func errOplogUnavailable(worker golemid.WorkerId, cause error) error {
	return golemerr.Wrap(golemerr.KindOplogUnavailable, fmt.Sprintf("worker %s", worker), cause)
}
