package guest

import (
	"context"

	"github.com/M0-find-U/golem/pkg/componentcache"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/metrics"
)

// CachedResolver pairs a componentcache.Cache with a Registry: the cache answers
// whether a component's artifact has been fetched and compiled at all (spec 4.6),
// while the Registry supplies the actual Go-closure Program that stands in for guest
// code (see the package doc comment). A resolver that only consulted the Registry
// would never exercise the compile-latch/cache-hit accounting the cache exists for; one
// that only consulted the cache would have compiled artifact bytes with nothing able to
// execute them, since there is no WASM runtime in this implementation.
type CachedResolver struct {
	cache    *componentcache.Cache
	programs *Registry
}

// NewCachedResolver builds a resolver over cache and programs.
func NewCachedResolver(cache *componentcache.Cache, programs *Registry) *CachedResolver {
	return &CachedResolver{cache: cache, programs: programs}
}

// Resolve satisfies worker.ProgramResolver: it first confirms the component's artifact
// is fetched and compiled (populating the cache and its hit/miss metrics as a side
// effect), then looks up the runnable Program by the same key.
func (r *CachedResolver) Resolve(ctx context.Context, component golemid.ComponentId, version golemid.ComponentVersion) (*Program, error) {
	if _, _, err := r.cache.Get(ctx, component, version); err != nil {
		metrics.ComponentCacheMissesTotal.Inc()
		return nil, err
	}
	metrics.ComponentCacheHitsTotal.Inc()
	return r.programs.Resolve(ctx, component, version)
}
