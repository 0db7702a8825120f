/*
Package oplog implements the durable execution engine's append-only, per-worker log.

Every non-deterministic effect a worker observes — a host call's response, a suspend
point, an update outcome — is recorded here before the guest ever sees it. On restart,
the worker engine replays a worker's oplog from index 1 to reconstruct its state before
resuming live execution. The store is the sole source of truth; nothing the engine does
is durable until Append has returned.

# Architecture

	┌───────────────────────── OPLOG STORE ─────────────────────────┐
	│                                                                  │
	│  ┌───────────────────────────────────────────────┐            │
	│  │                  BoltStore                      │            │
	│  │  - File: <dataDir>/oplog.db                     │            │
	│  │  - Format: B+tree with MVCC (bbolt)             │            │
	│  │  - Transactions: ACID, fsync on commit          │            │
	│  └─────────────────────┬───────────────────────────┘            │
	│                        │                                         │
	│  ┌─────────────────────▼───────────────────────────┐            │
	│  │                Bucket Structure                  │            │
	│  │  primary  -> worker bucket -> index -> wireEntry │            │
	│  │  manifest -> worker id -> Manifest               │            │
	│  │  archive  -> worker bucket -> chunk -> zstd blob │            │
	│  └─────────────────────┬───────────────────────────┘            │
	│                        │                                         │
	│  ┌─────────────────────▼───────────────────────────┐            │
	│  │              Chunking & Archival                  │            │
	│  │  - live window: most recent ChunkSize entries    │            │
	│  │  - ArchiveSealedChunks moves older runs into a   │            │
	│  │    single zstd-compressed blob per call          │            │
	│  │  - archival is idempotent and byte-preserving    │            │
	│  └───────────────────────────────────────────────────┘            │
	└──────────────────────────────────────────────────────────────────┘

Reads transparently span both tiers: archived chunks are decompressed on demand and
merged ahead of the live primary-tier entries.

# Format versioning

Every stored entry carries a FormatVersion and its OplogEntryKind tag. A reader that
encounters a version newer than it understands, or a kind it does not recognize, returns
a golemerr.KindUnknownOplogVariant error rather than silently skipping the entry — so
future variants added to pkg/types break old readers loudly instead of corrupting replay.

# Usage

	store, err := oplog.NewBoltStore(dataDir)
	idx, err := store.Append(ctx, workerID, types.EntryCreate, payload)
	entries, err := store.Read(ctx, workerID, golemid.FirstOplogIndex, 100)
	n, err := store.ArchiveSealedChunks(ctx, workerID)
*/
package oplog
