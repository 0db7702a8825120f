// Package golemid defines the typed identifiers shared across the durable execution
// engine and the shard manager: ComponentId, WorkerId, IdempotencyKey, ShardId,
// OplogIndex and PromiseId.
package golemid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ComponentId identifies a component definition (binary + schema), independent of version.
type ComponentId uuid.UUID

// NewComponentId generates a fresh random ComponentId.
func NewComponentId() ComponentId {
	return ComponentId(uuid.New())
}

func (c ComponentId) String() string {
	return uuid.UUID(c).String()
}

// ParseComponentId parses the canonical string form of a ComponentId.
func ParseComponentId(s string) (ComponentId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ComponentId{}, fmt.Errorf("parse component id %q: %w", s, err)
	}
	return ComponentId(u), nil
}

// WorkerId is the durable identity of a worker instance: the component it was created
// from, plus a name unique within that component.
type WorkerId struct {
	Component ComponentId
	Name      string
}

// String renders the canonical wire/storage key form "<component-id>/<name>", used as
// the oplog store's and router's primary key.
func (w WorkerId) String() string {
	return w.Component.String() + "/" + w.Name
}

// ParseWorkerId parses the canonical "<component-id>/<name>" form.
func ParseWorkerId(s string) (WorkerId, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return WorkerId{}, fmt.Errorf("parse worker id %q: missing '/' separator", s)
	}
	comp, err := ParseComponentId(s[:idx])
	if err != nil {
		return WorkerId{}, err
	}
	name := s[idx+1:]
	if name == "" {
		return WorkerId{}, fmt.Errorf("parse worker id %q: empty name", s)
	}
	return WorkerId{Component: comp, Name: name}, nil
}

// IdempotencyKey is an opaque, caller-supplied token unique per (worker, call).
type IdempotencyKey string

// OplogIndex is a monotonic, gap-free, 1-based index into a worker's oplog.
type OplogIndex uint64

// FirstOplogIndex is the index of a worker's Create entry.
const FirstOplogIndex OplogIndex = 1

// ShardId is a partition of the worker identity space, in [0, N).
type ShardId uint64

// PromiseId names a single awaitable value created by a worker at a specific oplog index.
type PromiseId struct {
	Worker WorkerId
	Index  OplogIndex
}

func (p PromiseId) String() string {
	return fmt.Sprintf("%s@%d", p.Worker.String(), p.Index)
}

// ComponentVersion is a monotonically increasing version number for a component.
type ComponentVersion uint64
