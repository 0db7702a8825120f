package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes a node's liveness via the standard gRPC health-checking protocol
// (grpc.health.v1.Health/Check), used for executor reachability probes in the
// shard-manager's control loop.
type GRPCChecker struct {
	// Address is the executor's gRPC address (host:port).
	Address string

	// Service is the service name to check; empty checks the server's overall status.
	Service string
}

// NewGRPCChecker creates a gRPC health checker against address.
func NewGRPCChecker(address string) *GRPCChecker {
	return &GRPCChecker{Address: address}
}

// WithService scopes the check to a specific registered service name.
func (g *GRPCChecker) WithService(service string) *GRPCChecker {
	g.Service = service
	return g
}

// Check dials the target and issues a single Health.Check RPC.
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := grpc.NewClient(g.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("dial failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("health check rpc failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	healthy := resp.Status == healthpb.HealthCheckResponse_SERVING
	return Result{
		Healthy:   healthy,
		Message:   resp.Status.String(),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
