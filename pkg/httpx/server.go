// Package httpx provides HTTP server utilities and helpers for SafeCyl services.
package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	safecyltls "github.com/safecyl/safecyl/pkg/tls"
)

// DefaultRequestTimeout is the request deadline used to size the server timeouts when
// WithRequestTimeout is not given.
const DefaultRequestTimeout = 10 * time.Second

// writeSlack is the time a handler has to write its response once the
// request deadline has passed.
const writeSlack = 5 * time.Second

// Server serves the SafeCyl HTTP API. Every request context derives from the
// server's base context, so cancelling it aborts in-flight bridge and store
// calls.
type Server struct {
	server *http.Server
	tlsCfg safecyltls.Config
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBaseContext makes ctx the parent of every request context.
func WithBaseContext(ctx context.Context) ServerOption {
	return func(s *Server) {
		s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

// WithRequestTimeout sizes the read and write timeouts around d, the
// deadline handlers apply to their own work.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d <= 0 {
			return
		}
		s.server.ReadHeaderTimeout = d
		s.server.ReadTimeout = d + writeSlack
		s.server.WriteTimeout = d + writeSlack
	}
}

// WithTLS serves HTTPS using cfg when cfg.Enabled is set.
func WithTLS(cfg safecyltls.Config) ServerOption {
	return func(s *Server) {
		s.tlsCfg = cfg
	}
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		server: &http.Server{
			Addr:        addr,
			Handler:     handler,
			IdleTimeout: 60 * time.Second,
			ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
	WithRequestTimeout(DefaultRequestTimeout)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called. It returns nil after
// a graceful stop.
func (s *Server) Serve(lis net.Listener) error {
	var err error
	if s.tlsCfg.Enabled {
		s.server.TLSConfig, err = safecyltls.NewServerTLSConfig(s.tlsCfg.CertFile, s.tlsCfg.KeyFile, s.tlsCfg.CAFile)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("server tls: %w", err)
		}
		s.logger.Info("starting HTTPS server", "addr", lis.Addr().String(), "mutual_auth", s.tlsCfg.MutualAuth())
		err = s.server.ServeTLS(lis, "", "")
	} else {
		s.logger.Info("starting HTTP server", "addr", lis.Addr().String())
		err = s.server.Serve(lis)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
// It waits up to the specified timeout for active connections to complete.
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("stopping HTTP server", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server stopped gracefully")
	return nil
}

// NewClient creates an HTTP client with optional TLS configuration.
// If tlsCfg.Enabled is false, a standard HTTP client is created.
func NewClient(tlsCfg safecyltls.Config, timeout time.Duration) (*http.Client, error) {
	var cryptoTLSConfig *tls.Config
	var err error

	if tlsCfg.Enabled {
		cryptoTLSConfig, err = safecyltls.NewClientTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("create TLS config: %w", err)
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     cryptoTLSConfig,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
