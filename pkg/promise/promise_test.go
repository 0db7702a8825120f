package promise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/types"
)

func testPromiseId() golemid.PromiseId {
	worker := golemid.WorkerId{Component: golemid.NewComponentId(), Name: "w1"}
	return golemid.PromiseId{Worker: worker, Index: 1}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestCreateIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()

	require.NoError(t, reg.Create(context.Background(), id))
	require.NoError(t, reg.Create(context.Background(), id))

	p, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.PromisePending, p.State)
}

func TestCompleteThenGetReturnsValue(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()
	require.NoError(t, reg.Create(context.Background(), id))

	completed, err := reg.Complete(context.Background(), id, []byte("result"))
	require.NoError(t, err)
	assert.True(t, completed)

	p, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.PromiseCompleted, p.State)
	assert.Equal(t, []byte("result"), p.Value)
}

func TestCompletingTwiceIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()
	require.NoError(t, reg.Create(context.Background(), id))

	first, err := reg.Complete(context.Background(), id, []byte("first"))
	require.NoError(t, err)
	assert.True(t, first)

	second, err := reg.Complete(context.Background(), id, []byte("second"))
	require.NoError(t, err)
	assert.False(t, second)

	p, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), p.Value)
}

func TestAwaitReturnsImmediatelyIfAlreadyCompleted(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()
	require.NoError(t, reg.Create(context.Background(), id))
	_, err := reg.Complete(context.Background(), id, []byte("done"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := reg.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), value)
}

func TestAwaitWakesOnConcurrentComplete(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()
	require.NoError(t, reg.Create(context.Background(), id))

	resultCh := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		value, err := reg.Await(ctx, id)
		require.NoError(t, err)
		resultCh <- value
	}()

	time.Sleep(50 * time.Millisecond)
	completed, err := reg.Complete(context.Background(), id, []byte("async"))
	require.NoError(t, err)
	assert.True(t, completed)

	select {
	case value := <-resultCh:
		assert.Equal(t, []byte("async"), value)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake after Complete")
	}
}

func TestAwaitTimesOutOnUncompletedPromise(t *testing.T) {
	reg := newTestRegistry(t)
	id := testPromiseId()
	require.NoError(t, reg.Create(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := reg.Await(ctx, id)
	require.Error(t, err)
}
