package rpc

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/M0-find-U/golem/pkg/log"
)

// GRPCServer is the executor's gRPC listener. It serves only the standard
// grpc.health.v1 service, which health.GRPCChecker can probe; the shard
// manager's control loop probes executors with the TCP checker that
// ShardRPCDialer returns instead. It is not a request/response RPC surface —
// those are plain Go methods on *executor.Executor.
type GRPCServer struct {
	server     *grpc.Server
	healthSrv  *health.Server
	listenAddr string
}

// NewGRPCServer constructs a server bound to addr, initially reporting NOT_SERVING.
func NewGRPCServer(addr string) *GRPCServer {
	healthSrv := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, healthSrv)

	return &GRPCServer{
		server:     s,
		healthSrv:  healthSrv,
		listenAddr: addr,
	}
}

// SetServing updates the overall serving status reported to health probes.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.healthSrv.SetServingStatus("", status)
}

// Start listens and serves until the server is stopped; blocks the caller.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return err
	}

	log.Info("grpc health server listening", "addr", g.listenAddr)
	return g.server.Serve(lis)
}

// Stop gracefully shuts the server down.
func (g *GRPCServer) Stop() {
	g.server.GracefulStop()
}
