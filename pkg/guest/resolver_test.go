package guest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/componentcache"
	"github.com/M0-find-U/golem/pkg/golemid"
)

func newTestCache(t *testing.T, compile componentcache.Compiler) *componentcache.Cache {
	t.Helper()
	cache, err := componentcache.New(t.TempDir(), 16, compile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestCachedResolverResolvesAfterSuccessfulCompile(t *testing.T) {
	component := golemid.NewComponentId()
	compiled := false
	cache := newTestCache(t, func(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) ([]byte, string, string, error) {
		compiled = true
		return []byte("wasm-bytes"), "hash-1", "compiler-1", nil
	})

	registry := NewRegistry()
	program := echoProgram()
	registry.Register(component, 1, program)

	resolver := NewCachedResolver(cache, registry)
	got, err := resolver.Resolve(context.Background(), component, 1)
	require.NoError(t, err)
	assert.Same(t, program, got)
	assert.True(t, compiled)
}

func TestCachedResolverPropagatesCompileFailure(t *testing.T) {
	component := golemid.NewComponentId()
	cache := newTestCache(t, func(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) ([]byte, string, string, error) {
		return nil, "", "", assertErr
	})

	resolver := NewCachedResolver(cache, NewRegistry())
	_, err := resolver.Resolve(context.Background(), component, 1)
	assert.Error(t, err)
}

func TestCachedResolverFailsWhenNoProgramRegistered(t *testing.T) {
	component := golemid.NewComponentId()
	cache := newTestCache(t, func(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) ([]byte, string, string, error) {
		return []byte("wasm-bytes"), "hash-1", "compiler-1", nil
	})

	resolver := NewCachedResolver(cache, NewRegistry())
	_, err := resolver.Resolve(context.Background(), component, 1)
	assert.Error(t, err)
}

var assertErr = assertError("no component store configured")

type assertError string

func (e assertError) Error() string { return string(e) }
