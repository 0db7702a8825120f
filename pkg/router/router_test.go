package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/shard"
)

type fakeClient struct {
	addr   string
	closed bool
}

func (c *fakeClient) Close() error { c.closed = true; return nil }

type fakeLocator struct {
	byShard map[golemid.ShardId]string
}

func (f *fakeLocator) Locate(s golemid.ShardId) (string, bool) {
	addr, ok := f.byShard[s]
	return addr, ok
}

type fakeDialer struct {
	dialed []string
}

func (f *fakeDialer) Dial(addr string) (ExecutorClient, error) {
	f.dialed = append(f.dialed, addr)
	return &fakeClient{addr: addr}, nil
}

func testWorker(name string) golemid.WorkerId {
	return golemid.WorkerId{Component: golemid.NewComponentId(), Name: name}
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	ring := shard.NewRing(16)
	worker := testWorker("w1")
	shardID := ring.ShardFor(worker)

	locator := &fakeLocator{byShard: map[golemid.ShardId]string{shardID: "node-a:9000"}}
	dialer := &fakeDialer{}
	r := New(ring, locator, dialer, DefaultConfig())

	result, err := r.Dispatch(context.Background(), worker, func(ctx context.Context, c ExecutorClient) (interface{}, error) {
		return "ok", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Len(t, dialer.dialed, 1)
}

func TestDispatchReturnsUnknownShardWhenLocatorHasNothing(t *testing.T) {
	ring := shard.NewRing(16)
	worker := testWorker("w1")

	r := New(ring, &fakeLocator{byShard: map[golemid.ShardId]string{}}, &fakeDialer{}, DefaultConfig())

	_, err := r.Dispatch(context.Background(), worker, func(ctx context.Context, c ExecutorClient) (interface{}, error) {
		return nil, nil
	})

	kind, ok := golemerr.As(err)
	assert.True(t, ok)
	assert.Equal(t, golemerr.KindUnknownShard, kind)
}

func TestDispatchRedirectsOnWrongShardThenSucceeds(t *testing.T) {
	ring := shard.NewRing(16)
	worker := testWorker("w1")
	shardID := ring.ShardFor(worker)

	locator := &fakeLocator{byShard: map[golemid.ShardId]string{shardID: "stale-node:9000"}}
	dialer := &fakeDialer{}
	r := New(ring, locator, dialer, DefaultConfig())

	attempt := 0
	result, err := r.Dispatch(context.Background(), worker, func(ctx context.Context, c ExecutorClient) (interface{}, error) {
		attempt++
		if attempt == 1 {
			// simulate the locator catching up before the retry
			locator.byShard[shardID] = "correct-node:9000"
			return nil, golemerr.New(golemerr.KindWrongShard, "moved on")
		}
		return "ok", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempt)
}

func TestDispatchExhaustsAttemptsAndReturnsUnavailable(t *testing.T) {
	ring := shard.NewRing(16)
	worker := testWorker("w1")
	shardID := ring.ShardFor(worker)

	locator := &fakeLocator{byShard: map[golemid.ShardId]string{shardID: "node-a:9000"}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	r := New(ring, locator, &fakeDialer{}, cfg)

	_, err := r.Dispatch(context.Background(), worker, func(ctx context.Context, c ExecutorClient) (interface{}, error) {
		return nil, golemerr.New(golemerr.KindWrongShard, "always wrong")
	})

	kind, ok := golemerr.As(err)
	assert.True(t, ok)
	assert.Equal(t, golemerr.KindUnavailable, kind)
}

func TestDispatchPassesThroughNonRedirectErrors(t *testing.T) {
	ring := shard.NewRing(16)
	worker := testWorker("w1")
	shardID := ring.ShardFor(worker)

	locator := &fakeLocator{byShard: map[golemid.ShardId]string{shardID: "node-a:9000"}}
	r := New(ring, locator, &fakeDialer{}, DefaultConfig())

	_, err := r.Dispatch(context.Background(), worker, func(ctx context.Context, c ExecutorClient) (interface{}, error) {
		return nil, golemerr.New(golemerr.KindWorkerNotFound, "no such worker")
	})

	kind, ok := golemerr.As(err)
	assert.True(t, ok)
	assert.Equal(t, golemerr.KindWorkerNotFound, kind)
}
