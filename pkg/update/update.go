// Package update implements the in-place worker version update protocol (spec section
// 4.5): automatic (replay under the new component) and snapshot-based (explicit
// capture/restore), both recorded through PendingUpdate/SuccessfulUpdate/FailedUpdate
// oplog entries.
package update

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/guest"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/types"
)

// Manager drives the update protocol for a single worker at a time; it is stateless
// across calls beyond the oplog itself, so it is safe to share across workers.
type Manager struct {
	store oplog.Store
}

func NewManager(store oplog.Store) *Manager {
	return &Manager{store: store}
}

// RequestUpdate records the intent to update worker to targetVersion via mode. The
// caller (pkg/worker) is responsible for actually driving ApplyAutomatic or
// ApplySnapshotBased afterward; separating request from application lets the request be
// durable even if the executor crashes before applying it.
func (m *Manager) RequestUpdate(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, mode types.UpdateMode) error {
	payload, err := json.Marshal(types.PendingUpdatePayload{TargetVersion: targetVersion, Mode: mode})
	if err != nil {
		return fmt.Errorf("encode pending-update: %w", err)
	}
	_, err = m.store.Append(ctx, worker, types.EntryPendingUpdate, payload)
	return err
}

// ReplayFunc re-executes a worker's full oplog under the candidate version, returning a
// ReplayDivergence-kind error if the new version's behavior diverges from the recorded
// history (the caller, pkg/worker, is the one positioned to detect divergence since it
// owns the durability wrapper).
type ReplayFunc func(ctx context.Context) error

// ApplyAutomatic attempts the automatic update mode: replay is attempted under the new
// component; if replay diverges, the update fails and the worker continues on the
// previous version (spec 4.5).
func (m *Manager) ApplyAutomatic(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, newSize int64, replay ReplayFunc) error {
	if err := replay(ctx); err != nil {
		kind, _ := golemerr.As(err)
		if kind == golemerr.KindReplayDivergence {
			return m.fail(ctx, worker, targetVersion, "replay diverged under new component version: "+err.Error())
		}
		return m.fail(ctx, worker, targetVersion, err.Error())
	}
	return m.succeed(ctx, worker, targetVersion, newSize)
}

// ApplySnapshotBased captures guest state from oldProgram and restores it into
// newProgram. Failure to restore leaves the worker on the prior version (spec 4.5,
// seed scenario 6).
func (m *Manager) ApplySnapshotBased(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, newSize int64, oldProgram, newProgram guest.Snapshotter) error {
	snapshot, err := oldProgram.Capture(ctx)
	if err != nil {
		return m.fail(ctx, worker, targetVersion, "snapshot capture failed: "+err.Error())
	}
	if err := newProgram.Restore(ctx, snapshot); err != nil {
		return m.fail(ctx, worker, targetVersion, "snapshot restore rejected: "+err.Error())
	}
	return m.succeed(ctx, worker, targetVersion, newSize)
}

func (m *Manager) succeed(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, newSize int64) error {
	payload, err := json.Marshal(types.SuccessfulUpdatePayload{TargetVersion: targetVersion, NewSize: newSize})
	if err != nil {
		return fmt.Errorf("encode successful-update: %w", err)
	}
	if _, err := m.store.Append(ctx, worker, types.EntrySuccessfulUpdate, payload); err != nil {
		return err
	}
	log.Info("worker update succeeded", "worker", worker.String(), "target_version", targetVersion)
	return nil
}

func (m *Manager) fail(ctx context.Context, worker golemid.WorkerId, targetVersion golemid.ComponentVersion, details string) error {
	payload, err := json.Marshal(types.FailedUpdatePayload{TargetVersion: targetVersion, Details: details})
	if err != nil {
		return fmt.Errorf("encode failed-update: %w", err)
	}
	if _, err := m.store.Append(ctx, worker, types.EntryFailedUpdate, payload); err != nil {
		return err
	}
	log.Warn("worker update failed, remaining on prior version", "worker", worker.String(), "target_version", targetVersion, "details", details)
	return golemerr.New(golemerr.KindUpdateFailed, details)
}
