package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bankcore.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// NewHealth returns a health server reporting SERVING for ServiceName and
// the overall server until WatchReadiness says otherwise.
func NewHealth() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// WatchReadiness probes r every interval and mirrors the result into hs and
// the service_ready gauge until ctx ends. It blocks.
func WatchReadiness(ctx context.Context, hs *health.Server, r readinessChecker, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := r.Check(pctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Logger().Warn("readiness probe failed", zap.Error(err))
		}
		obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
