package oplog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/types"
)

var (
	bucketPrimary  = []byte("primary")  // worker bucket -> index (big-endian uint64) -> wireEntry
	bucketManifest = []byte("manifest") // worker id (string) -> Manifest
	bucketArchive  = []byte("archive")  // worker bucket -> chunk index (big-endian uint64) -> compressed blob
)

// ChunkSize is the number of entries held in the primary tier's live window before a
// chunk becomes eligible for archival (spec section 4.1, "fixed-size chunks").
const ChunkSize = 1024

// wireEntry is the on-disk encoding of a types.OplogEntry, carrying the format version
// so a future reader can detect and reject entries it does not understand.
type wireEntry struct {
	FormatVersion int                   `json:"format_version"`
	Index         golemid.OplogIndex    `json:"index"`
	Timestamp     int64                 `json:"timestamp_unix_nano"`
	Kind          types.OplogEntryKind  `json:"kind"`
	Payload       []byte                `json:"payload"`
}

// BoltStore implements Store and Archiver over a single bbolt database, with sealed
// chunks compressed and moved into an archive bucket via klauspost/compress zstd.
type BoltStore struct {
	mu  sync.Mutex // serializes append+manifest updates; bbolt itself serializes writers
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewBoltStore opens (creating if absent) the oplog database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "oplog.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open oplog database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPrimary, bucketManifest, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &BoltStore{db: db, enc: enc, dec: dec}, nil
}

func (s *BoltStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func workerBucketKey(worker golemid.WorkerId) []byte {
	return []byte(worker.String())
}

func indexKey(idx golemid.OplogIndex) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(idx))
	return b[:]
}

func chunkKey(chunk int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(chunk))
	return b[:]
}

func (s *BoltStore) Append(ctx context.Context, worker golemid.WorkerId, kind types.OplogEntryKind, payload []byte) (golemid.OplogIndex, error) {
	if _, ok := knownKinds[kind]; !ok {
		return 0, errUnknownVariant(worker, string(kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var assigned golemid.OplogIndex
	err := s.db.Update(func(tx *bolt.Tx) error {
		primary := tx.Bucket(bucketPrimary)
		wb, err := primary.CreateBucketIfNotExists(workerBucketKey(worker))
		if err != nil {
			return err
		}

		last, err := lastIndexInBucket(wb)
		if err != nil {
			return err
		}
		assigned = last + 1

		we := wireEntry{
			FormatVersion: FormatVersion,
			Index:         assigned,
			Timestamp:     time.Now().UnixNano(),
			Kind:          kind,
			Payload:       payload,
		}
		data, err := json.Marshal(we)
		if err != nil {
			return fmt.Errorf("encode oplog entry: %w", err)
		}
		if err := wb.Put(indexKey(assigned), data); err != nil {
			return err
		}

		manifestBucket := tx.Bucket(bucketManifest)
		m := Manifest{LastIndex: assigned}
		if raw := manifestBucket.Get(workerBucketKey(worker)); raw != nil {
			_ = json.Unmarshal(raw, &m)
			m.LastIndex = assigned
		}
		mdata, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return manifestBucket.Put(workerBucketKey(worker), mdata)
	})
	if err != nil {
		return 0, errOplogUnavailable(worker, err)
	}
	return assigned, nil
}

func lastIndexInBucket(wb *bolt.Bucket) (golemid.OplogIndex, error) {
	c := wb.Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0, nil
	}
	return golemid.OplogIndex(binary.BigEndian.Uint64(k)), nil
}

func (s *BoltStore) Length(ctx context.Context, worker golemid.WorkerId) (golemid.OplogIndex, error) {
	var length golemid.OplogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketManifest).Get(workerBucketKey(worker))
		if raw == nil {
			return nil
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
		length = m.LastIndex
		return nil
	})
	if err != nil {
		return 0, errOplogUnavailable(worker, err)
	}
	return length, nil
}

// Read spans the primary tier (the live window) and the archive tier transparently.
// Archived chunks are decompressed on demand; callers needing sustained throughput over
// archived history should request in chunk-sized batches.
func (s *BoltStore) Read(ctx context.Context, worker golemid.WorkerId, from golemid.OplogIndex, count int) ([]types.OplogEntry, error) {
	if from < golemid.FirstOplogIndex {
		from = golemid.FirstOplogIndex
	}

	var out []types.OplogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		// Archive tier first, for indices below the live window.
		archive := tx.Bucket(bucketArchive).Bucket(workerBucketKey(worker))
		if archive != nil {
			c := archive.Cursor()
			for k, v := c.First(); k != nil && len(out) < count; k, v = c.Next() {
				entries, err := decodeChunk(s.dec, v)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if e.Index >= from && len(out) < count {
						out = append(out, e)
					}
				}
			}
		}

		primary := tx.Bucket(bucketPrimary).Bucket(workerBucketKey(worker))
		if primary == nil {
			return nil
		}
		c := primary.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil && len(out) < count; k, v = c.Next() {
			e, err := decodeWireEntry(worker, v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeWireEntry(worker golemid.WorkerId, v []byte) (types.OplogEntry, error) {
	var we wireEntry
	if err := json.Unmarshal(v, &we); err != nil {
		return types.OplogEntry{}, errOplogUnavailable(worker, fmt.Errorf("decode entry: %w", err))
	}
	if we.FormatVersion > FormatVersion {
		return types.OplogEntry{}, errUnknownVariant(worker, fmt.Sprintf("format-version:%d", we.FormatVersion))
	}
	if _, ok := knownKinds[we.Kind]; !ok {
		return types.OplogEntry{}, errUnknownVariant(worker, string(we.Kind))
	}
	return types.OplogEntry{
		Index:     we.Index,
		Timestamp: time.Unix(0, we.Timestamp).UTC(),
		Kind:      we.Kind,
		Payload:   we.Payload,
	}, nil
}

func decodeChunk(dec *zstd.Decoder, blob []byte) ([]types.OplogEntry, error) {
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archived chunk: %w", err)
	}
	dmp := json.NewDecoder(bytes.NewReader(raw))
	var entries []types.OplogEntry
	for {
		var we wireEntry
		if err := dmp.Decode(&we); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode archived entry: %w", err)
		}
		if we.FormatVersion > FormatVersion {
			return nil, errUnknownVariant(golemid.WorkerId{}, fmt.Sprintf("format-version:%d", we.FormatVersion))
		}
		if _, ok := knownKinds[we.Kind]; !ok {
			return nil, errUnknownVariant(golemid.WorkerId{}, string(we.Kind))
		}
		entries = append(entries, types.OplogEntry{
			Index:     we.Index,
			Timestamp: time.Unix(0, we.Timestamp).UTC(),
			Kind:      we.Kind,
			Payload:   we.Payload,
		})
	}
	return entries, nil
}

// TruncateAfter discards entries past index. Used only on startup to repair a torn
// trailing write left by a crash mid-append; the invariant that committed entries are
// immutable holds because bbolt's transaction either committed the write or it didn't.
func (s *BoltStore) TruncateAfter(ctx context.Context, worker golemid.WorkerId, index golemid.OplogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketPrimary).Bucket(workerBucketKey(worker))
		if wb == nil {
			return nil
		}
		c := wb.Cursor()
		for k, _ := c.Seek(indexKey(index + 1)); k != nil; k, _ = c.Next() {
			if err := wb.Delete(k); err != nil {
				return err
			}
		}
		manifestBucket := tx.Bucket(bucketManifest)
		raw := manifestBucket.Get(workerBucketKey(worker))
		if raw == nil {
			return nil
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if m.LastIndex > index {
			m.LastIndex = index
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return manifestBucket.Put(workerBucketKey(worker), data)
		}
		return nil
	})
}

// ListWorkers returns every worker id that has a manifest entry, i.e. every worker ever
// created in this store regardless of status (spec section 6, GetWorkersMetadata).
func (s *BoltStore) ListWorkers(ctx context.Context) ([]golemid.WorkerId, error) {
	var ids []golemid.WorkerId
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifest).ForEach(func(k, _ []byte) error {
			id, err := golemid.ParseWorkerId(string(k))
			if err != nil {
				return nil
			}
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return nil, errOplogUnavailable(golemid.WorkerId{}, err)
	}
	return ids, nil
}

// ArchiveSealedChunks moves every entry older than the most recent ChunkSize entries out
// of the primary tier's live window into a single compressed archive blob, keeping only
// those most recent ChunkSize entries live. Idempotent: chunks already archived are skipped because
// they no longer exist in the primary bucket.
func (s *BoltStore) ArchiveSealedChunks(ctx context.Context, worker golemid.WorkerId) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketPrimary).Bucket(workerBucketKey(worker))
		if wb == nil {
			return nil
		}

		var all []types.OplogEntry
		c := wb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeWireEntry(worker, v)
			if err != nil {
				return err
			}
			all = append(all, e)
		}
		if len(all) <= ChunkSize {
			return nil // keep the single live chunk
		}

		sealedCount := len(all) - ChunkSize
		sealed := all[:sealedCount]

		archiveBucket, err := tx.Bucket(bucketArchive).CreateBucketIfNotExists(workerBucketKey(worker))
		if err != nil {
			return err
		}
		nextChunk, err := nextChunkIndex(archiveBucket)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, e := range sealed {
			we := wireEntry{FormatVersion: FormatVersion, Index: e.Index, Timestamp: e.Timestamp.UnixNano(), Kind: e.Kind, Payload: e.Payload}
			if err := enc.Encode(we); err != nil {
				return fmt.Errorf("encode sealed entry: %w", err)
			}
		}
		compressed := s.enc.EncodeAll(buf.Bytes(), nil)
		if err := archiveBucket.Put(chunkKey(nextChunk), compressed); err != nil {
			return err
		}

		for _, e := range sealed {
			if err := wb.Delete(indexKey(e.Index)); err != nil {
				return err
			}
		}

		manifestBucket := tx.Bucket(bucketManifest)
		raw := manifestBucket.Get(workerBucketKey(worker))
		var m Manifest
		if raw != nil {
			_ = json.Unmarshal(raw, &m)
		}
		m.FirstLiveChunk = nextChunk + 1
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := manifestBucket.Put(workerBucketKey(worker), data); err != nil {
			return err
		}

		archived = 1
		log.Info("archived sealed oplog chunk", "worker", worker.String(), "entries", sealedCount, "chunk", nextChunk)
		return nil
	})
	if err != nil {
		return 0, errOplogUnavailable(worker, err)
	}
	return archived, nil
}

func nextChunkIndex(b *bolt.Bucket) (int, error) {
	c := b.Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0, nil
	}
	return int(binary.BigEndian.Uint64(k)) + 1, nil
}

// GetManifest reads the per-worker manifest record.
func (s *BoltStore) GetManifest(ctx context.Context, worker golemid.WorkerId) (Manifest, error) {
	var m Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketManifest).Get(workerBucketKey(worker))
		if raw == nil {
			return golemerr.New(golemerr.KindWorkerNotFound, worker.String())
		}
		return json.Unmarshal(raw, &m)
	})
	return m, err
}

var _ Store = (*BoltStore)(nil)
var _ Archiver = (*BoltStore)(nil)
