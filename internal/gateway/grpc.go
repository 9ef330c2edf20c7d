// ABOUTME: gRPC server exposing the standard health service for the runtime and each agent
// ABOUTME: The empty service name is the runtime itself; every agent name is its own service

package gateway

import (
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// newGRPCServer creates a gRPC server with the health service registered.
// The runtime reports SERVING; agents start NOT_SERVING until they run.
func newGRPCServer(agents []string) (*grpc.Server, *grpchealth.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range agents {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func servingStatus(running bool) healthpb.HealthCheckResponse_ServingStatus {
	if running {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
