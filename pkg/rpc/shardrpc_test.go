package rpc

import (
	"context"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/golemid"
)

type fakeShardExecutor struct {
	assigned []golemid.ShardId
	revoked  []golemid.ShardId
}

func (f *fakeShardExecutor) AssignShards(ctx context.Context, ids []golemid.ShardId) error {
	f.assigned = append(f.assigned, ids...)
	return nil
}

func (f *fakeShardExecutor) RevokeShards(ctx context.Context, ids []golemid.ShardId) error {
	f.revoked = append(f.revoked, ids...)
	return nil
}

func TestShardRPCRoundTrip(t *testing.T) {
	exec := &fakeShardExecutor{}
	svc := NewShardRPCService(exec)

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Executor", svc))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		server.ServeConn(conn)
	}()

	client, err := DialShardRPC(lis.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.AssignShards(context.Background(), []golemid.ShardId{1, 2, 3}))
	require.NoError(t, client.RevokeShards(context.Background(), []golemid.ShardId{1}))

	assert.ElementsMatch(t, []golemid.ShardId{1, 2, 3}, exec.assigned)
	assert.ElementsMatch(t, []golemid.ShardId{1}, exec.revoked)
}

func TestShardRPCDialerPairsHealthChecker(t *testing.T) {
	exec := &fakeShardExecutor{}
	svc := NewShardRPCService(exec)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Executor", svc))
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		server.ServeConn(conn)
	}()

	client, checker, err := (ShardRPCDialer{}).Dial(lis.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := checker.Check(ctx)
	assert.True(t, result.Healthy)
}
