package health

import (
	"context"

	"donation-reconciler/pkg/errutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type GRPCHealth struct {
	grpc_health_v1.UnimplementedHealthServer
	svc HealthService
}

func NewGRPCHealth(svc HealthService) *GRPCHealth {
	return &GRPCHealth{svc: svc}
}

// Check reports the whole process for an empty service name, otherwise the
// named dependency. Unknown names are NotFound as the health protocol requires.
func (g *GRPCHealth) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h := g.svc.Check(ctx)

	healthy := h.Status == statusHealthy
	if name := req.GetService(); name != "" {
		dep, ok := h.dependency(name)
		if !ok {
			return nil, errutil.NotFound("unknown service "+name, nil)
		}
		healthy = dep.Status == statusHealthy
	}

	if !healthy {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (g *GRPCHealth) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch method not implemented")
}
