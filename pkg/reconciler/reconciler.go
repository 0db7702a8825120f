// Package reconciler runs the executor's periodic defensive consistency sweep: even
// though RevokeShards evicts resident workers synchronously, a sweep catches any
// worker left resident by a race (e.g. a CreateWorker in flight when a revoke
// landed) rather than relying solely on the synchronous path.
package reconciler

import (
	"context"
	"time"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/metrics"
)

// ActiveSet is the subset of activeset.Set the reconciler needs.
type ActiveSet interface {
	Keys() []golemid.WorkerId
	Remove(worker golemid.WorkerId)
}

// OwnershipChecker reports whether worker's shard is currently owned by this node;
// satisfied by *executor.Executor.OwnsWorker.
type OwnershipChecker func(worker golemid.WorkerId) bool

// Reconciler periodically evicts any resident worker whose shard this node no
// longer owns.
type Reconciler struct {
	activeSet ActiveSet
	owns      OwnershipChecker
	interval  time.Duration
	stopCh    chan struct{}
}

// New constructs a Reconciler polling on interval (defaulting to 10s if zero).
func New(activeSet ActiveSet, owns OwnershipChecker, interval time.Duration) *Reconciler {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		activeSet: activeSet,
		owns:      owns,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			log.Info("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	for _, wid := range r.activeSet.Keys() {
		if !r.owns(wid) {
			log.Warn("evicting resident worker for shard this node no longer owns", "worker", wid.String())
			r.activeSet.Remove(wid)
			metrics.ReconciliationEvictionsTotal.Inc()
		}
	}
}

// ReconcileOnce runs a single sweep synchronously, exported for tests and for
// triggering an out-of-band sweep (e.g. immediately after a rebalance ack).
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	r.reconcile()
}
