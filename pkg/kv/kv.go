// Package kv implements the durable key-value and blob containers guest code addresses
// directly (spec section 2, "Key-value & blob host state"). Containers are per-worker
// unless explicitly shared; writes go through the same bbolt durability the oplog store
// uses, following a bucket-per-entity layout.
package kv

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
)

var bucketContainers = []byte("kv_containers")

// Store is a durable key-value container keyed by (WorkerId, container name, key).
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if absent) the kv database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	db, err := bolt.Open(dataDir+"/kv.db", 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// containerKey namespaces a worker's container so two workers' "default" containers
// never collide. A shared container (named explicitly outside any worker's namespace)
// is addressed by passing a zero golemid.WorkerId and a globally-agreed container name.
func containerKey(worker golemid.WorkerId, container string) []byte {
	return []byte(worker.String() + "::" + container)
}

// Put durably writes key=value into worker's named container.
func (s *Store) Put(ctx context.Context, worker golemid.WorkerId, container, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketContainers)
		cb, err := top.CreateBucketIfNotExists(containerKey(worker, container))
		if err != nil {
			return err
		}
		return cb.Put([]byte(key), value)
	})
}

// Get reads key from worker's named container. Returns golemerr.KindWorkerNotFound if
// the container or key does not exist (the caller decides whether absence is an error).
func (s *Store) Get(ctx context.Context, worker golemid.WorkerId, container, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketContainers)
		cb := top.Bucket(containerKey(worker, container))
		if cb == nil {
			return golemerr.New(golemerr.KindWorkerNotFound, fmt.Sprintf("container %s/%s", worker, container))
		}
		raw := cb.Get([]byte(key))
		if raw == nil {
			return golemerr.New(golemerr.KindWorkerNotFound, fmt.Sprintf("key %s in %s/%s", key, worker, container))
		}
		value = append([]byte(nil), raw...)
		return nil
	})
	return value, err
}

// Delete removes key from worker's named container. A missing key is not an error
// (idempotent delete).
func (s *Store) Delete(ctx context.Context, worker golemid.WorkerId, container, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketContainers)
		cb := top.Bucket(containerKey(worker, container))
		if cb == nil {
			return nil
		}
		return cb.Delete([]byte(key))
	})
}

// List returns every key currently stored in worker's named container.
func (s *Store) List(ctx context.Context, worker golemid.WorkerId, container string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(bucketContainers)
		cb := top.Bucket(containerKey(worker, container))
		if cb == nil {
			return nil
		}
		return cb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Blob is a typed wrapper used by guests to store structured values via JSON, rather
// than raw bytes, without requiring a second bucket family.
type Blob struct {
	ContentType string
	Data        []byte
}

// PutBlob stores a typed blob. Guests that only need raw bytes should use Put directly.
func (s *Store) PutBlob(ctx context.Context, worker golemid.WorkerId, container, key string, blob Blob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}
	return s.Put(ctx, worker, container, key, data)
}

// GetBlob retrieves a typed blob stored via PutBlob.
func (s *Store) GetBlob(ctx context.Context, worker golemid.WorkerId, container, key string) (Blob, error) {
	raw, err := s.Get(ctx, worker, container, key)
	if err != nil {
		return Blob{}, err
	}
	var blob Blob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return Blob{}, fmt.Errorf("decode blob: %w", err)
	}
	return blob, nil
}
