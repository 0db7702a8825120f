// Package componentcache implements the compiled-artifact cache and at-most-once
// compilation latch in front of the external component store (spec section 4.6).
package componentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/types"
)

var bucketManifest = []byte("component_manifest")

// Compiler fetches a component's binary by (ComponentId, version) from the external
// component store and compiles it, returning the compiled artifact's bytes plus its
// content hash and the compiler version used. The fetch itself is the out-of-scope
// external collaborator named in spec section 1; this package only caches its output.
type Compiler func(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) (artifact []byte, contentHash, compilerVersion string, err error)

// Cache is a size-bounded LRU of compiled artifacts keyed by (ComponentId, version),
// with a single-flight latch so concurrent requests for the same (ComponentId, version)
// compile at most once. The content hash and compiler version are not part of the key:
// two versions with identical bytes are compiled and cached separately. Each compile's
// metadata is also written to a bbolt manifest keyed by content hash; nothing reads that
// manifest back, so the in-memory LRU starts empty after a restart.
type Cache struct {
	lru      *lru.Cache
	group    singleflight.Group
	compile  Compiler
	db       *bolt.DB
}

// entry is what the in-memory LRU actually stores.
type entry struct {
	artifact []byte
	meta     types.ComponentMetadata
}

// New creates a Cache holding at most maxEntries compiled artifacts, backed by a
// manifest database under dataDir.
func New(dataDir string, maxEntries int, compile Compiler) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "componentcache.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open component cache manifest: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketManifest)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{compile: compile, db: db}
	evictFn := func(key interface{}, value interface{}) {
		e := value.(entry)
		log.Debug("evicted compiled component from cache", "content_hash", e.meta.ContentHash)
	}
	l, err := lru.NewWithEvict(maxEntries, evictFn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init component cache LRU: %w", err)
	}
	c.lru = l
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the compiled artifact for (id, version), compiling it through Compiler
// if not already cached. Concurrent Gets for the same component compile at most once.
func (c *Cache) Get(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) ([]byte, types.ComponentMetadata, error) {
	key := cacheKey(id, version)
	if v, ok := c.lru.Get(key); ok {
		e := v.(entry)
		return e.artifact, e.meta, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check after winning the singleflight race: another caller may have
		// populated the cache while we waited.
		if v, ok := c.lru.Get(key); ok {
			return v.(entry), nil
		}

		artifact, contentHash, compilerVersion, err := c.compile(ctx, id, version)
		if err != nil {
			return nil, fmt.Errorf("compile component %s v%d: %w", id, version, err)
		}

		meta := types.ComponentMetadata{
			Id:          id,
			Version:     version,
			ContentHash: contentHash,
			CompilerVer: compilerVersion,
			SizeBytes:   int64(len(artifact)),
		}
		e := entry{artifact: artifact, meta: meta}
		c.lru.Add(key, e)
		if err := c.persistManifest(meta); err != nil {
			log.Warn("failed to persist component cache manifest entry", "error", err.Error())
		}
		return e, nil
	})
	if err != nil {
		return nil, types.ComponentMetadata{}, err
	}
	e := result.(entry)
	return e.artifact, e.meta, nil
}

func (c *Cache) persistManifest(meta types.ComponentMetadata) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketManifest).Put([]byte(meta.ContentHash), data)
	})
}

func cacheKey(id golemid.ComponentId, version golemid.ComponentVersion) string {
	return fmt.Sprintf("%s@%d", id, version)
}
