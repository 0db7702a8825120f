// Package activeset implements the executor's bounded set of live worker instances
// (spec section 4.7): an LRU of at most M entries, with pinning that exempts a worker
// from eviction while it has outstanding work.
package activeset

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
)

// Instance is the minimal interface the active set needs from a live worker instance;
// pkg/worker's engine implements it. Eviction only ever calls Evict — the instance owns
// flushing its own in-memory state, since only it knows what is safe to drop.
type Instance interface {
	WorkerId() golemid.WorkerId
	Evict()
}

// PinReason names why a worker may not be evicted right now (spec 4.7: "pinned while a
// synchronous invocation is outstanding, while retrying with a near-term backoff
// deadline, or while it holds resources").
type PinReason string

const (
	PinSyncInvocation PinReason = "sync-invocation"
	PinRetryBackoff   PinReason = "retry-backoff"
	PinHeldResource   PinReason = "held-resource"
)

// Set is the bounded active-worker LRU. Safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	lru      *lru.Cache
	pins     map[golemid.WorkerId]map[PinReason]int
	capacity int
}

// New creates a Set holding at most capacity live instances under normal conditions.
// The underlying LRU is sized with headroom above capacity because hashicorp/golang-lru
// evicts strictly by recency with no notion of pinning; Touch enforces the real
// capacity bound itself by walking from the least-recently-used end and skipping
// pinned workers, so a pinned worker is never evicted even transiently over capacity.
func New(capacity int) *Set {
	s := &Set{pins: make(map[golemid.WorkerId]map[PinReason]int), capacity: capacity}
	evictFn := func(key interface{}, value interface{}) {
		inst := value.(Instance)
		log.Debug("active-worker set evicted instance", "worker", inst.WorkerId().String())
		inst.Evict()
	}
	headroom := capacity*4 + 16
	l, err := lru.NewWithEvict(headroom, evictFn)
	if err != nil {
		// capacity is always a positive int supplied by config validation; NewWithEvict
		// only errors on size <= 0.
		panic("activeset: invalid capacity: " + err.Error())
	}
	s.lru = l
	return s
}

// Touch records that worker was just used, admitting it if not already present, then
// enforces the capacity bound by evicting the least-recently-used unpinned instances
// until the set is back at or below capacity.
func (s *Set) Touch(worker golemid.WorkerId, inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(worker, inst)
	s.enforceCapacityLocked()
}

// enforceCapacityLocked evicts least-recently-used unpinned instances until the set is
// at or below capacity, or until every remaining instance is pinned.
func (s *Set) enforceCapacityLocked() {
	for s.lru.Len() > s.capacity {
		keys := s.lru.Keys() // ordered oldest -> newest
		evictedOne := false
		for _, k := range keys {
			wid := k.(golemid.WorkerId)
			if len(s.pins[wid]) > 0 {
				continue
			}
			s.lru.Remove(k)
			evictedOne = true
			break
		}
		if !evictedOne {
			return // every live instance is pinned; exceed capacity rather than evict one
		}
	}
}

// Get returns the live instance for worker, if present.
func (s *Set) Get(worker golemid.WorkerId) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(worker)
	if !ok {
		return nil, false
	}
	return v.(Instance), true
}

// Pin marks worker as ineligible for eviction for the given reason. Multiple reasons
// (and multiple callers for the same reason) stack; the worker remains pinned until
// every pin is released.
func (s *Set) Pin(worker golemid.WorkerId, reason PinReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons, ok := s.pins[worker]
	if !ok {
		reasons = make(map[PinReason]int)
		s.pins[worker] = reasons
	}
	reasons[reason]++
}

// Unpin releases one instance of reason previously registered by Pin.
func (s *Set) Unpin(worker golemid.WorkerId, reason PinReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons, ok := s.pins[worker]
	if !ok {
		return
	}
	reasons[reason]--
	if reasons[reason] <= 0 {
		delete(reasons, reason)
	}
	if len(reasons) == 0 {
		delete(s.pins, worker)
	}
}

// Pinned reports whether worker currently has any active pin.
func (s *Set) Pinned(worker golemid.WorkerId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pins[worker]) > 0
}

// Remove forcibly drops worker from the active set regardless of pin state, used when
// a shard is revoked out from under the executor.
func (s *Set) Remove(worker golemid.WorkerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(worker)
	delete(s.pins, worker)
}

// Len returns the number of live instances currently held.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Keys returns the WorkerIds currently resident, used by the executor's reconciler to
// find instances whose shard has since been revoked.
func (s *Set) Keys() []golemid.WorkerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.lru.Keys()
	out := make([]golemid.WorkerId, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(golemid.WorkerId))
	}
	return out
}
