// Command safecyl runs the SafeCyl telemetry ingestion and rollup service.
//
// The service pulls the latest sensor document from a live database (a
// Firebase-style REST endpoint or a Redis hash), normalizes it into a
// load/gas reading and appends it to a time-series store. Stored readings are
// served back as paginated history and as hourly and daily rollups.
//
// The HTTP API listens on :3000 by default:
//   - GET  /                  - Liveness banner
//   - GET  /sensor            - Current live snapshot
//   - POST /sensor            - Partial update of the live snapshot
//   - POST /api/ingest        - Run one ingestion cycle
//   - GET  /api/history       - Paginated history
//   - GET  /api/rollups/...   - Hourly and daily rollups
//   - GET  /healthz, /metrics - Health check and Prometheus metrics
//
// A gRPC health service (with reflection) listens on :9090 and reports
// NOT_SERVING while the store is unreachable.
//
// Usage:
//
//	safecyl \
//	  -source-url=https://example-rtdb.firebaseio.com \
//	  -storage=redis -redis-addr=redis:6379
//
// Environment variables:
//
//	PORT / LISTEN      - HTTP listen port or address (default: :3000)
//	GRPC_LISTEN        - gRPC health listen address (default: :9090)
//	STORAGE            - memory, redis or cassandra (default: memory)
//	SOURCE             - http or redis (default: http)
//	SOURCE_URL         - Live database URL (FIREBASE_DB_URL is accepted)
//	INGEST_INTERVAL    - Timer-driven ingestion interval (default: 0, off)
//	ROLLUP_LOCATION    - Location for rollup buckets (default: UTC)
//	ALLOWED_ORIGINS    - CORS origins (default: http://localhost:5173)
//	LOG_LEVEL          - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT         - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safecyl/safecyl/cmd/safecyl/config"
	"github.com/safecyl/safecyl/cmd/safecyl/logger"
	"github.com/safecyl/safecyl/cmd/safecyl/metrics"
	"github.com/safecyl/safecyl/cmd/safecyl/router"
	"github.com/safecyl/safecyl/cmd/safecyl/store"
	"github.com/safecyl/safecyl/pkg/history"
	"github.com/safecyl/safecyl/pkg/httpx"
	"github.com/safecyl/safecyl/pkg/ingest"
	"github.com/safecyl/safecyl/pkg/normalize"
	"github.com/safecyl/safecyl/pkg/rollup"
	"github.com/safecyl/safecyl/pkg/snapshot"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	loc, _ := cfg.Location()

	logger.Info("starting safecyl",
		"version", version,
		"listen", cfg.Listen,
		"storage", cfg.Storage,
		"source", cfg.Source,
		"rollup_location", loc.String(),
		"tls_enabled", cfg.TLS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(nil)

	backend, err := store.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		}()
	}
	readings := metrics.InstrumentStore(backend, m)

	source, err := newSource(cfg)
	if err != nil {
		logger.Error("failed to create snapshot source", "error", err)
		os.Exit(1)
	}
	if closer, ok := source.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close snapshot source", "error", err)
			}
		}()
	}

	ingester := ingest.New(source, normalize.New(), readings, cfg.SourceTimeout, logger, m)

	mux := router.SetupRoutes(router.Services{
		Ingest:  ingester,
		History: history.NewService(readings),
		Rollups: rollup.NewAggregator(readings, rollup.WithLocation(loc)),
		Store:   readings,
		Metrics: m,
	}, logger)
	handler := router.Wrap(mux, cfg.AllowedOrigins, m, logger)
	httpServer := httpx.NewServer(cfg.Listen, handler, logger,
		httpx.WithBaseContext(ctx),
		httpx.WithRequestTimeout(router.RequestTimeout),
		httpx.WithTLS(cfg.TLS),
	)

	if cfg.IngestInterval > 0 {
		go func() {
			if err := ingester.Run(ctx, cfg.IngestInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ingest loop failed", "error", err)
			}
		}()
	}

	var grpcHealth *healthServer
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			logger.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		grpcHealth = newHealthServer(readings, logger)
		go grpcHealth.Watch(ctx, healthInterval)
		go func() {
			logger.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcHealth.Serve(lis); err != nil {
				logger.Error("grpc server failed", "error", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if grpcHealth != nil {
		logger.Info("shutting down grpc server")
		grpcHealth.Stop()
	}

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newSource builds the configured snapshot source. HTTP sources get a client
// carrying the source TLS settings when those are enabled.
func newSource(cfg *config.Config) (snapshot.Source, error) {
	source, err := snapshot.New(cfg.Source, cfg.SourceConfig())
	if err != nil {
		return nil, err
	}

	if hs, ok := source.(*snapshot.HTTPSource); ok && cfg.SourceTLS.Enabled {
		client, err := httpx.NewClient(cfg.SourceTLS, cfg.SourceTimeout)
		if err != nil {
			return nil, err
		}
		hs.HTTPClient = client
	}
	return source, nil
}
