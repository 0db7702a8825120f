// Package durability implements the host-call durability wrapper: the single choke
// point every guest host call passes through so it can be replayed deterministically
// (spec section 4.2).
//
// Design note 9 calls for a tagged variant plus dispatch table over virtual
// inheritance for WrappedFunctionType; Call below is that dispatch table. Go does not
// check switch exhaustiveness, so a WrappedFunctionType variant with no case here
// reaches the default branch and fails at run time with an error.
package durability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/kv"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/types"
)

// MatchPolicy controls how strictly a replayed call's request must match the recorded
// request before the recorded response is trusted (spec section 4.2, "modulo a
// configurable strict/lenient policy").
type MatchPolicy int

const (
	// Strict requires byte-identical request payloads.
	Strict MatchPolicy = iota
	// Lenient requires only a matching function name, ignoring request payload drift
	// (e.g. a recompiled component that serializes arguments slightly differently).
	Lenient
)

// LiveCall is the guest-provided implementation of a host function, invoked only when
// the wrapper is not able to satisfy the call from the recorded oplog.
type LiveCall func(ctx context.Context, request []byte) (response []byte, err error)

// Wrapper is the per-worker durability dispatcher. It is constructed once per worker
// activation (live attach or replay) with that worker's oplog history preloaded; calls
// made while the internal cursor has not reached the end of that history are served
// from the log, and calls made after are executed live and appended. This gives the
// "replay ends when exhausted, then continues live" behavior of spec section 4.3
// without the caller needing to track a mode explicitly.
type Wrapper struct {
	store  oplog.Store
	worker golemid.WorkerId
	policy MatchPolicy

	history []types.OplogEntry
	cursor  int

	kv *kv.Store
}

// NewWrapper constructs a Wrapper preloaded with worker's oplog history. Only the
// host-call entries (ImportedFunctionInvoked, BeginRemoteWrite, EndRemoteWrite) are
// kept, since those are the entries a call consumes. Pass an empty history for a
// brand-new worker (every call will be live).
func NewWrapper(store oplog.Store, worker golemid.WorkerId, history []types.OplogEntry, policy MatchPolicy) *Wrapper {
	var calls []types.OplogEntry
	for _, e := range history {
		switch e.Kind {
		case types.EntryImportedFunctionInvoked, types.EntryBeginRemoteWrite, types.EntryEndRemoteWrite:
			calls = append(calls, e)
		}
	}
	return &Wrapper{store: store, worker: worker, policy: policy, history: calls}
}

// WithKV attaches the key-value/blob store backing KVGet/KVPut/KVDelete/KVList. A
// Wrapper with no kv store attached fails those calls with a plain error rather than
// panicking, so programs that never touch kv host state can ignore this entirely.
func (w *Wrapper) WithKV(store *kv.Store) *Wrapper {
	w.kv = store
	return w
}

// Replaying reports whether the wrapper still has recorded entries to consume.
func (w *Wrapper) Replaying() bool {
	return w.cursor < len(w.history)
}

// Call dispatches a single host-call through the durability wrapper, per spec 4.2.
func (w *Wrapper) Call(ctx context.Context, functionName string, kind types.WrappedFunctionType, idempotencyKey golemid.IdempotencyKey, request []byte, live LiveCall) ([]byte, error) {
	switch kind {
	case types.ReadLocal, types.ReadRemote, types.WriteLocal:
		return w.callSimple(ctx, functionName, kind, request, live)
	case types.WriteRemote:
		return w.callWriteRemote(ctx, functionName, idempotencyKey, request, live)
	case types.WriteRemoteBatched:
		return nil, fmt.Errorf("WriteRemoteBatched must be called via CallBatch, not Call")
	default:
		return nil, fmt.Errorf("durability: unhandled WrappedFunctionType %q", kind)
	}
}

// callSimple handles ReadLocal, ReadRemote, and WriteLocal: during replay, a matching
// recorded ImportedFunctionInvoked satisfies the call without touching the host; live,
// the call executes and is appended in one entry.
func (w *Wrapper) callSimple(ctx context.Context, functionName string, kind types.WrappedFunctionType, request []byte, live LiveCall) ([]byte, error) {
	if w.Replaying() {
		entry := w.history[w.cursor]
		if entry.Kind != types.EntryImportedFunctionInvoked {
			return nil, w.divergence(functionName, entry, "expected ImportedFunctionInvoked")
		}
		var p types.ImportedFunctionInvokedPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, w.divergence(functionName, entry, "undecodable payload: "+err.Error())
		}
		if err := w.matches(functionName, request, p); err != nil {
			return nil, err
		}
		w.cursor++
		return p.Response, nil
	}

	response, err := live(ctx, request)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(types.ImportedFunctionInvokedPayload{
		FunctionName: functionName,
		FunctionType: kind,
		Request:      request,
		Response:     response,
	})
	if err != nil {
		return nil, fmt.Errorf("encode imported-function-invoked: %w", err)
	}
	if _, err := w.store.Append(ctx, w.worker, types.EntryImportedFunctionInvoked, payload); err != nil {
		return nil, err
	}
	return response, nil
}

// callWriteRemote handles WriteRemote: a BeginRemoteWrite is appended before the
// attempt and the response appended after success, so that a crash in between is
// detected on replay and the write re-issued with the same idempotency key.
func (w *Wrapper) callWriteRemote(ctx context.Context, functionName string, key golemid.IdempotencyKey, request []byte, live LiveCall) ([]byte, error) {
	if w.Replaying() {
		entry := w.history[w.cursor]
		switch entry.Kind {
		case types.EntryImportedFunctionInvoked:
			var p types.ImportedFunctionInvokedPayload
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				return nil, w.divergence(functionName, entry, "undecodable payload: "+err.Error())
			}
			if err := w.matches(functionName, request, p); err != nil {
				return nil, err
			}
			w.cursor++
			// A completed write is recorded as begin, response, end: consume the end too.
			if w.Replaying() && w.history[w.cursor].Kind == types.EntryEndRemoteWrite {
				w.cursor++
			}
			return p.Response, nil
		case types.EntryBeginRemoteWrite:
			var begin types.BeginRemoteWritePayload
			if err := json.Unmarshal(entry.Payload, &begin); err != nil {
				return nil, w.divergence(functionName, entry, "undecodable begin-remote-write payload: "+err.Error())
			}
			w.cursor++ // consume the begin entry
			if w.Replaying() {
				// More history follows: this write's recorded response, or the re-issue
				// made by an earlier recovery. Serve the call from that.
				return w.callWriteRemote(ctx, functionName, key, request, live)
			}
			// Crashed between begin and end: re-issue live using the recorded key.
			return w.reissueWriteRemote(ctx, functionName, begin.IdempotencyKey, begin.Request, live)
		default:
			return nil, w.divergence(functionName, entry, "expected ImportedFunctionInvoked or BeginRemoteWrite")
		}
	}
	return w.reissueWriteRemote(ctx, functionName, key, request, live)
}

func (w *Wrapper) reissueWriteRemote(ctx context.Context, functionName string, key golemid.IdempotencyKey, request []byte, live LiveCall) ([]byte, error) {
	beginPayload, err := json.Marshal(types.BeginRemoteWritePayload{FunctionName: functionName, Request: request, IdempotencyKey: key})
	if err != nil {
		return nil, fmt.Errorf("encode begin-remote-write: %w", err)
	}
	beginIdx, err := w.store.Append(ctx, w.worker, types.EntryBeginRemoteWrite, beginPayload)
	if err != nil {
		return nil, err
	}

	response, err := live(ctx, request)
	if err != nil {
		// The write did not complete; its BeginRemoteWrite stays dangling and will be
		// re-driven on the next replay using the same idempotency key.
		return nil, err
	}

	respPayload, err := json.Marshal(types.ImportedFunctionInvokedPayload{
		FunctionName:   functionName,
		FunctionType:   types.WriteRemote,
		Request:        request,
		Response:       response,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("encode write-remote completion: %w", err)
	}
	if _, err := w.store.Append(ctx, w.worker, types.EntryImportedFunctionInvoked, respPayload); err != nil {
		return nil, err
	}

	endPayload, err := json.Marshal(types.EndRemoteWritePayload{BeginIndex: beginIdx})
	if err != nil {
		return nil, fmt.Errorf("encode end-remote-write: %w", err)
	}
	if _, err := w.store.Append(ctx, w.worker, types.EntryEndRemoteWrite, endPayload); err != nil {
		return nil, err
	}
	return response, nil
}

// BatchedWrite is one write within a WriteRemoteBatched coalesced region.
type BatchedWrite struct {
	FunctionName   string
	IdempotencyKey golemid.IdempotencyKey
	Request        []byte
	Live           LiveCall
}

// CallBatch coalesces a contiguous sequence of remote writes into one atomic region
// that is re-driven as a unit on recovery (spec section 4.2, WriteRemoteBatched).
func (w *Wrapper) CallBatch(ctx context.Context, writes []BatchedWrite) ([][]byte, error) {
	if w.Replaying() {
		if w.history[w.cursor].Kind == types.EntryBeginRemoteWrite {
			w.cursor++ // consume the batch's begin entry
			end := w.cursor + len(writes)
			if end >= len(w.history) || w.history[end].Kind != types.EntryEndRemoteWrite {
				// The batch never reached its end entry: skip its partial record and
				// re-drive the whole batch.
				for w.Replaying() && w.history[w.cursor].Kind == types.EntryImportedFunctionInvoked {
					w.cursor++
				}
				return w.CallBatch(ctx, writes)
			}
		}
		responses := make([][]byte, 0, len(writes))
		for range writes {
			if !w.Replaying() {
				return nil, fmt.Errorf("durability: batch shorter than recorded history")
			}
			entry := w.history[w.cursor]
			if entry.Kind != types.EntryImportedFunctionInvoked {
				return nil, w.divergence("batch", entry, "expected ImportedFunctionInvoked in batch")
			}
			var p types.ImportedFunctionInvokedPayload
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				return nil, w.divergence("batch", entry, "undecodable payload: "+err.Error())
			}
			w.cursor++
			responses = append(responses, p.Response)
		}
		if w.Replaying() && w.history[w.cursor].Kind == types.EntryEndRemoteWrite {
			w.cursor++
		}
		return responses, nil
	}

	beginPayload, _ := json.Marshal(types.BeginRemoteWritePayload{FunctionName: "batch"})
	beginIdx, err := w.store.Append(ctx, w.worker, types.EntryBeginRemoteWrite, beginPayload)
	if err != nil {
		return nil, err
	}

	responses := make([][]byte, 0, len(writes))
	for _, write := range writes {
		resp, err := write.Live(ctx, write.Request)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(types.ImportedFunctionInvokedPayload{
			FunctionName:   write.FunctionName,
			FunctionType:   types.WriteRemoteBatched,
			Request:        write.Request,
			Response:       resp,
			IdempotencyKey: write.IdempotencyKey,
		})
		if err != nil {
			return nil, fmt.Errorf("encode batched write: %w", err)
		}
		if _, err := w.store.Append(ctx, w.worker, types.EntryImportedFunctionInvoked, payload); err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}

	endPayload, _ := json.Marshal(types.EndRemoteWritePayload{BeginIndex: beginIdx})
	if _, err := w.store.Append(ctx, w.worker, types.EntryEndRemoteWrite, endPayload); err != nil {
		return nil, err
	}
	return responses, nil
}

func (w *Wrapper) matches(functionName string, request []byte, recorded types.ImportedFunctionInvokedPayload) error {
	if recorded.FunctionName != functionName {
		return golemerr.New(golemerr.KindReplayDivergence,
			fmt.Sprintf("worker %s: expected call %q, recorded call was %q", w.worker, functionName, recorded.FunctionName))
	}
	if w.policy == Strict && !bytes.Equal(recorded.Request, request) {
		return golemerr.New(golemerr.KindReplayDivergence,
			fmt.Sprintf("worker %s: request for %q diverges from recorded request", w.worker, functionName))
	}
	return nil
}

func (w *Wrapper) divergence(functionName string, entry types.OplogEntry, detail string) error {
	return golemerr.New(golemerr.KindReplayDivergence,
		fmt.Sprintf("worker %s: replaying call %q at index %d: %s", w.worker, functionName, entry.Index, detail))
}

// kvRequest is the recorded request payload for every kv.* host call below, so replay
// can distinguish calls against different containers/keys via the usual Strict/Lenient
// match policy instead of special-casing kv.
type kvRequest struct {
	Container string `json:"container"`
	Key       string `json:"key,omitempty"`
}

// KVGet reads key from worker's named container via the durable key-value host state
// (spec section 2, "Key-value & blob host state"), going through ReadLocal so the read
// is satisfied from history during replay rather than re-reading the live store.
func (w *Wrapper) KVGet(ctx context.Context, container, key string) ([]byte, error) {
	if w.kv == nil {
		return nil, fmt.Errorf("durability: no kv store configured")
	}
	req, err := json.Marshal(kvRequest{Container: container, Key: key})
	if err != nil {
		return nil, err
	}
	return w.Call(ctx, "kv.get", types.ReadLocal, "", req, func(ctx context.Context, _ []byte) ([]byte, error) {
		return w.kv.Get(ctx, w.worker, container, key)
	})
}

// KVPut durably writes key=value into worker's named container via WriteLocal.
func (w *Wrapper) KVPut(ctx context.Context, container, key string, value []byte) error {
	if w.kv == nil {
		return fmt.Errorf("durability: no kv store configured")
	}
	req, err := json.Marshal(kvRequest{Container: container, Key: key})
	if err != nil {
		return err
	}
	_, err = w.Call(ctx, "kv.put", types.WriteLocal, "", req, func(ctx context.Context, _ []byte) ([]byte, error) {
		return nil, w.kv.Put(ctx, w.worker, container, key, value)
	})
	return err
}

// KVDelete removes key from worker's named container via WriteLocal. Deleting an absent
// key is not an error (kv.Store.Delete is itself idempotent).
func (w *Wrapper) KVDelete(ctx context.Context, container, key string) error {
	if w.kv == nil {
		return fmt.Errorf("durability: no kv store configured")
	}
	req, err := json.Marshal(kvRequest{Container: container, Key: key})
	if err != nil {
		return err
	}
	_, err = w.Call(ctx, "kv.delete", types.WriteLocal, "", req, func(ctx context.Context, _ []byte) ([]byte, error) {
		return nil, w.kv.Delete(ctx, w.worker, container, key)
	})
	return err
}

// KVList returns every key in worker's named container via ReadLocal.
func (w *Wrapper) KVList(ctx context.Context, container string) ([]string, error) {
	if w.kv == nil {
		return nil, fmt.Errorf("durability: no kv store configured")
	}
	req, err := json.Marshal(kvRequest{Container: container})
	if err != nil {
		return nil, err
	}
	resp, err := w.Call(ctx, "kv.list", types.ReadLocal, "", req, func(ctx context.Context, _ []byte) ([]byte, error) {
		keys, err := w.kv.List(ctx, w.worker, container)
		if err != nil {
			return nil, err
		}
		return json.Marshal(keys)
	})
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(resp, &keys); err != nil {
		return nil, fmt.Errorf("decode kv list response: %w", err)
	}
	return keys, nil
}
