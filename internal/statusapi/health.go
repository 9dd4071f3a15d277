package statusapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	ServiceRegistryWatcher = "registry-watcher"
	ServiceReconciler      = "reconciler"
)

// Health is the grpc health service of the process. The overall ("") status
// is what the readiness probe reports.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceRegistryWatcher, healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(ServiceReconciler, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{srv: srv}
}

func (h *Health) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(service, status)
}

func (h *Health) Serving(ctx context.Context, service string) bool {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Reporter adapts one health service to components reporting degradation.
func (h *Health) Reporter(service string) *Reporter {
	return &Reporter{health: h, service: service}
}

func (h *Health) Register(srv *grpc.Server, debug bool) {
	healthpb.RegisterHealthServer(srv, h.srv)
	if debug {
		reflection.Register(srv)
	}
}

func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

type Reporter struct {
	health  *Health
	service string
}

func (r *Reporter) SetDegraded(degraded bool) {
	r.health.SetServing(r.service, !degraded)
}
