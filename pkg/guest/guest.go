// Package guest models the guest-visible side of a worker: the compiled component's
// exported functions.
//
// Real WebAssembly component instantiation is explicitly out of scope for this core
// (spec section 1 names "the guest-visible host-function bindings beyond their
// durability contract" as an external collaborator, and no WASM runtime library exists
// anywhere in the reference corpus). Program is the concrete substitute: an exported
// function is a Go closure that receives the durability wrapper and must route every
// non-deterministic effect through it. This is the shape that makes replay determinism
// (spec section 8) testable against real host-call traffic without a real runtime.
package guest

import (
	"context"
	"fmt"
	"sync"

	"github.com/M0-find-U/golem/pkg/durability"
	"github.com/M0-find-U/golem/pkg/golemid"
)

// Export is one exported function's implementation. It must call back into wrapper for
// every host effect (clock reads, RNG, remote calls) instead of touching the outside
// world directly, or replay determinism does not hold.
type Export func(ctx context.Context, args []byte, wrapper *durability.Wrapper) (result []byte, err error)

// Program is a compiled component's guest-visible surface: a fixed set of named
// exported functions. Programs are registered per ComponentId+version by the test or
// embedding code; there is no component-binary fetch here (that is the out-of-scope
// external component store).
//
// CaptureFunc/RestoreFunc are optional: when both are set, Program satisfies
// Snapshotter and can take part in a snapshot-based update; when either is nil, the
// corresponding method fails, which update.Manager.ApplySnapshotBased surfaces as a
// FailedUpdate rather than a panic.
type Program struct {
	Name        string
	Exports     map[string]Export
	CaptureFunc func(ctx context.Context) ([]byte, error)
	RestoreFunc func(ctx context.Context, snapshot []byte) error
}

// Invoke calls a named export. Returns an error if the function is not exported, which
// the caller should treat as InvalidRequest (spec section 7).
func (p *Program) Invoke(ctx context.Context, functionName string, args []byte, wrapper *durability.Wrapper) ([]byte, error) {
	fn, ok := p.Exports[functionName]
	if !ok {
		return nil, fmt.Errorf("guest: program %s has no export %q", p.Name, functionName)
	}
	return fn(ctx, args, wrapper)
}

// Snapshotter is implemented by programs that support snapshot-based updates (spec
// section 4.5): Capture serializes guest-visible state on the old version; Restore
// reconstructs it on the new version. A program that does not implement Snapshotter can
// only be updated via the automatic (replay-based) mode.
type Snapshotter interface {
	Capture(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, snapshot []byte) error
}

// Capture serializes guest-visible state via CaptureFunc (spec section 4.5).
func (p *Program) Capture(ctx context.Context) ([]byte, error) {
	if p.CaptureFunc == nil {
		return nil, fmt.Errorf("guest: program %s does not support snapshot capture", p.Name)
	}
	return p.CaptureFunc(ctx)
}

// Restore reconstructs guest-visible state via RestoreFunc (spec section 4.5).
func (p *Program) Restore(ctx context.Context, snapshot []byte) error {
	if p.RestoreFunc == nil {
		return fmt.Errorf("guest: program %s does not support snapshot restore", p.Name)
	}
	return p.RestoreFunc(ctx, snapshot)
}

// componentKey identifies one registered Program by component and version.
type componentKey struct {
	component golemid.ComponentId
	version   golemid.ComponentVersion
}

// Registry is the "test or embedding code" this package's doc comment defers program
// registration to: a process wires every ComponentId+version it is willing to run into
// a Registry once at startup, and hands Registry.Resolve to worker.NewEngine as its
// ProgramResolver.
type Registry struct {
	mu       sync.RWMutex
	programs map[componentKey]*Program
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[componentKey]*Program)}
}

// Register associates a Program with a component and version, overwriting any program
// previously registered for that pair.
func (r *Registry) Register(component golemid.ComponentId, version golemid.ComponentVersion, program *Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[componentKey{component, version}] = program
}

// Resolve looks up the Program for component+version. Its signature matches
// worker.ProgramResolver.
func (r *Registry) Resolve(ctx context.Context, component golemid.ComponentId, version golemid.ComponentVersion) (*Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[componentKey{component, version}]
	if !ok {
		return nil, fmt.Errorf("guest: no program registered for component %s version %d", component, version)
	}
	return p, nil
}
