package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"adfunds.io/internal/obs"
)

// NewGRPCServer returns a gRPC server exposing the standard health service.
// The overall status and serviceName follow the readiness checker.
func NewGRPCServer(r ReadinessChecker) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	UpdateHealth(context.Background(), hs, r)
	return srv, hs
}

// UpdateHealth runs one readiness check and publishes the result.
func UpdateHealth(ctx context.Context, hs *health.Server, r ReadinessChecker) {
	status := healthpb.HealthCheckResponse_SERVING
	if r != nil {
		if err := r.Check(ctx); err != nil {
			obs.Logger().Warn("readiness check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	obs.SetReady(status == healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", status)
	hs.SetServingStatus(serviceName, status)
}

// WatchHealth refreshes the health status every interval until ctx ends.
func WatchHealth(ctx context.Context, hs *health.Server, r ReadinessChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval/2)
			UpdateHealth(checkCtx, hs, r)
			cancel()
		}
	}
}
