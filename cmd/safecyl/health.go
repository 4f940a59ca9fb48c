package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	healthInterval    = 15 * time.Second
	healthPingTimeout = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// healthServer exposes the standard gRPC health service. Its status follows
// the reachability of the store.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	store  pinger
	logger *slog.Logger
}

func newHealthServer(store pinger, logger *slog.Logger) *healthServer {
	if logger == nil {
		logger = slog.Default()
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(srv)

	return &healthServer{grpc: srv, health: hs, store: store, logger: logger}
}

func (h *healthServer) Serve(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

// Stop marks the service as shutting down and drains in-flight calls.
func (h *healthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

// Check pings the store once and updates the serving status.
func (h *healthServer) Check(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("store health check failed", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	return status
}

// Watch runs Check every interval until ctx is cancelled.
func (h *healthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
