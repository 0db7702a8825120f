// Package promise implements named, durable, one-shot awaitable values (spec section 3).
//
// A Promise is created by a worker at a specific oplog index and completed exactly
// once, either by the worker itself or by an external caller (CompletePromise). This
// package durably records completion in bbolt, keyed by PromiseId, and fans out
// completion to in-memory waiters the same way pkg/events.Broker fans out cluster
// events to subscribers.
package promise

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/types"
)

var bucketPromises = []byte("promises")

// Registry durably tracks promise state and notifies in-memory waiters on completion.
type Registry struct {
	db *bolt.DB

	mu      sync.Mutex
	waiters map[golemid.PromiseId][]chan []byte
}

// NewRegistry opens (creating if absent) the promise database under dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	db, err := bolt.Open(dataDir+"/promises.db", 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open promise database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPromises)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db, waiters: make(map[golemid.PromiseId][]chan []byte)}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func promiseKey(id golemid.PromiseId) []byte {
	return []byte(id.String())
}

// Create registers a new pending promise. Idempotent if called again for the same id
// while still pending (a worker re-executing a Create during replay does not fail).
func (r *Registry) Create(ctx context.Context, id golemid.PromiseId) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromises)
		if raw := b.Get(promiseKey(id)); raw != nil {
			return nil
		}
		p := types.Promise{Id: id, State: types.PromisePending}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(promiseKey(id), data)
	})
}

// Get returns the current state of a promise.
func (r *Registry) Get(ctx context.Context, id golemid.PromiseId) (types.Promise, error) {
	var p types.Promise
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPromises).Get(promiseKey(id))
		if raw == nil {
			return golemerr.New(golemerr.KindWorkerNotFound, fmt.Sprintf("promise %s", id))
		}
		return json.Unmarshal(raw, &p)
	})
	return p, err
}

// Complete durably completes a promise with value and wakes any in-memory waiters.
// Completing an already-completed promise is a no-op and returns false, per spec 3.
func (r *Registry) Complete(ctx context.Context, id golemid.PromiseId, value []byte) (bool, error) {
	completed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromises)
		var p types.Promise
		if raw := b.Get(promiseKey(id)); raw != nil {
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			if p.State == types.PromiseCompleted {
				return nil
			}
		}
		p.Id = id
		p.State = types.PromiseCompleted
		p.Value = value
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		completed = true
		return b.Put(promiseKey(id), data)
	})
	if err != nil {
		return false, err
	}
	if completed {
		r.notify(id, value)
	}
	return completed, nil
}

// Await blocks until the promise completes or ctx is done, returning its value. If the
// promise is already completed, it returns immediately without registering a waiter.
func (r *Registry) Await(ctx context.Context, id golemid.PromiseId) ([]byte, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State == types.PromiseCompleted {
		return p.Value, nil
	}

	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		r.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (r *Registry) notify(id golemid.PromiseId, value []byte) {
	r.mu.Lock()
	chans := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- value:
		default:
		}
	}
}

func (r *Registry) removeWaiter(id golemid.PromiseId, target chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.waiters[id]
	for i, ch := range chans {
		if ch == target {
			r.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}
