package router

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcClient adapts a *grpc.ClientConn to ExecutorClient; concrete RPC calls
// type-assert the underlying conn out of a Call closure.
type grpcClient struct {
	conn *grpc.ClientConn
}

func (c *grpcClient) Close() error { return c.conn.Close() }

// Conn exposes the underlying connection for building RPC-specific clients.
func (c *grpcClient) Conn() *grpc.ClientConn { return c.conn }

// GRPCDialer dials executor addresses over plain gRPC, mirroring
// pkg/health.GRPCChecker's connection setup (mTLS is out of scope here, same
// as the health probe).
type GRPCDialer struct{}

// Dial opens a gRPC connection to address.
func (GRPCDialer) Dial(address string) (ExecutorClient, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn}, nil
}
