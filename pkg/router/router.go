// Package router dispatches worker RPCs to the executor node that owns the
// worker's shard, redirecting and retrying when the locally cached shard
// assignment is stale.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/M0-find-U/golem/pkg/golemerr"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/metrics"
	"github.com/M0-find-U/golem/pkg/shard"
)

// ExecutorClient is the subset of *executor.Executor's RPC surface a router
// call dispatches against a remote node.
type ExecutorClient interface {
	Close() error
}

// Call is the unit of dispatch: given a connected client, perform one RPC and
// return its result. Implementations type-assert client to the concrete RPC
// they need (e.g. an executor.CreateWorker-shaped client) before calling it.
type Call func(ctx context.Context, client ExecutorClient) (interface{}, error)

// ShardLocator resolves a shard to the address of the node currently assigned
// to it, as tracked by the shard manager's effective map.
type ShardLocator interface {
	Locate(shard golemid.ShardId) (address string, ok bool)
}

// Dialer opens a connection to an executor node's RPC address.
type Dialer interface {
	Dial(address string) (ExecutorClient, error)
}

// Config tunes redirect-retry and negative-cache behavior.
type Config struct {
	MaxAttempts      int
	NegativeCacheTTL time.Duration
	NegativeCacheCap int
}

// DefaultConfig returns sane defaults: up to 3 attempts, a 5s negative-cache
// TTL and room for 1024 bad addresses.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		NegativeCacheTTL: 5 * time.Second,
		NegativeCacheCap: 1024,
	}
}

// Router routes worker RPCs to the executor owning the worker's shard.
type Router struct {
	cfg     Config
	ring    *shard.Ring
	locator ShardLocator
	dialer  Dialer

	mu    sync.Mutex
	conns map[string]ExecutorClient

	negCache *negativeCache
}

// New constructs a Router over ring using locator to resolve shard ownership
// and dialer to open connections to resolved addresses.
func New(ring *shard.Ring, locator ShardLocator, dialer Dialer, cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	cap := cfg.NegativeCacheCap
	if cap <= 0 {
		cap = 1024
	}

	return &Router{
		cfg:      cfg,
		ring:     ring,
		locator:  locator,
		dialer:   dialer,
		conns:    make(map[string]ExecutorClient),
		negCache: newNegativeCache(cap, cfg.NegativeCacheTTL),
	}
}

// Dispatch resolves worker's shard to a node and runs call against it,
// redirecting up to cfg.MaxAttempts times when the node rejects the request
// with KindUnknownShard or KindWrongShard (its view of ownership has moved on
// from the router's cached locator view).
func (r *Router) Dispatch(ctx context.Context, worker golemid.WorkerId, call Call) (interface{}, error) {
	shardID := r.ring.ShardFor(worker)

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		addr, ok := r.locator.Locate(shardID)
		if !ok {
			metrics.RouterRequestsTotal.WithLabelValues("unknown_shard").Inc()
			return nil, golemerr.New(golemerr.KindUnknownShard, fmt.Sprintf("no node assigned to shard %d", shardID))
		}

		if r.negCache.IsMarked(addr) {
			log.Warn("skipping negatively-cached executor", "addr", addr, "shard", shardID)
			metrics.RouterRedirectsTotal.WithLabelValues("negative_cache").Inc()
			lastErr = golemerr.New(golemerr.KindUnavailable, fmt.Sprintf("executor %s recently rejected a request for this shard", addr))
			continue
		}

		client, err := r.getOrDial(addr)
		if err != nil {
			r.negCache.Mark(addr)
			metrics.RouterRedirectsTotal.WithLabelValues("dial_failed").Inc()
			lastErr = err
			continue
		}

		result, err := call(ctx, client)
		if err == nil {
			metrics.RouterRequestsTotal.WithLabelValues("success").Inc()
			return result, nil
		}

		if kind, ok := golemerr.As(err); ok && (kind == golemerr.KindWrongShard || kind == golemerr.KindUnknownShard) {
			r.negCache.Mark(addr)
			metrics.RouterRedirectsTotal.WithLabelValues(string(kind)).Inc()
			lastErr = err
			continue
		}

		metrics.RouterRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.RouterRequestsTotal.WithLabelValues("exhausted").Inc()
	if lastErr != nil {
		return nil, golemerr.Wrap(golemerr.KindUnavailable, "exhausted redirect attempts", lastErr)
	}
	return nil, golemerr.New(golemerr.KindUnavailable, "exhausted redirect attempts")
}

func (r *Router) getOrDial(addr string) (ExecutorClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[addr]; ok {
		return c, nil
	}

	c, err := r.dialer.Dial(addr)
	if err != nil {
		return nil, err
	}
	r.conns[addr] = c
	return c, nil
}

// Close closes every cached connection.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for addr, c := range r.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.conns, addr)
	}
	return first
}

// negativeCache remembers addresses that recently rejected a request, so a
// burst of requests against a stale shard mapping fails fast instead of
// re-dialing the wrong node on every call.
type negativeCache struct {
	lru *lru.Cache
	ttl time.Duration
}

func newNegativeCache(size int, ttl time.Duration) *negativeCache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &negativeCache{lru: c, ttl: ttl}
}

func (c *negativeCache) Mark(addr string) {
	c.lru.Add(addr, time.Now().Add(c.ttl))
	metrics.RouterNegativeCacheSize.Set(float64(c.lru.Len()))
}

func (c *negativeCache) IsMarked(addr string) bool {
	v, ok := c.lru.Get(addr)
	if !ok {
		return false
	}
	expiresAt := v.(time.Time)
	if time.Now().After(expiresAt) {
		c.lru.Remove(addr)
		metrics.RouterNegativeCacheSize.Set(float64(c.lru.Len()))
		return false
	}
	return true
}
