package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/M0-find-U/golem/pkg/golemid"
)

type fakeActiveSet struct {
	mu      sync.Mutex
	present map[golemid.WorkerId]bool
}

func newFakeActiveSet(ids ...golemid.WorkerId) *fakeActiveSet {
	present := make(map[golemid.WorkerId]bool)
	for _, id := range ids {
		present[id] = true
	}
	return &fakeActiveSet{present: present}
}

func (f *fakeActiveSet) Keys() []golemid.WorkerId {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]golemid.WorkerId, 0, len(f.present))
	for id, ok := range f.present {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeActiveSet) Remove(id golemid.WorkerId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[id] = false
}

func testWorker(name string) golemid.WorkerId {
	return golemid.WorkerId{Component: golemid.NewComponentId(), Name: name}
}

func TestReconcileOnceEvictsUnownedWorker(t *testing.T) {
	owned := testWorker("owned")
	stray := testWorker("stray")
	set := newFakeActiveSet(owned, stray)

	owns := func(id golemid.WorkerId) bool { return id == owned }
	r := New(set, owns, time.Hour)

	r.ReconcileOnce(context.Background())

	keys := set.Keys()
	assert.Contains(t, keys, owned)
	assert.NotContains(t, keys, stray)
}

func TestReconcileOnceLeavesOwnedWorkersAlone(t *testing.T) {
	a, b := testWorker("a"), testWorker("b")
	set := newFakeActiveSet(a, b)
	owns := func(id golemid.WorkerId) bool { return true }
	r := New(set, owns, time.Hour)

	r.ReconcileOnce(context.Background())

	assert.ElementsMatch(t, []golemid.WorkerId{a, b}, set.Keys())
}

func TestStartStopDoesNotPanic(t *testing.T) {
	set := newFakeActiveSet()
	r := New(set, func(golemid.WorkerId) bool { return true }, 5*time.Millisecond)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}
