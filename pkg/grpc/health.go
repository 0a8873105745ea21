// Package grpc serves the standard gRPC health protocol for the minimart
// binaries. Each dependency is a named service whose status follows a
// periodic probe; the empty service name is SERVING only while every probe
// passes.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/example/minimart/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const defaultProbeInterval = 10 * time.Second

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

type HealthServer struct {
	config *config.GRPCConfig
	logger *zap.Logger
	server *grpc.Server
	health *health.Server

	mu     sync.Mutex
	probes map[string]Probe
}

func NewHealthServer(cfg *config.GRPCConfig, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		config: cfg,
		logger: logger,
		server: srv,
		health: hs,
		probes: make(map[string]Probe),
	}
}

// AddProbe registers a dependency under service. It reports NOT_SERVING
// until its first probe passes.
func (s *HealthServer) AddProbe(service string, probe Probe) {
	s.mu.Lock()
	s.probes[service] = probe
	s.mu.Unlock()
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Check runs every probe once and publishes the results.
func (s *HealthServer) Check(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(s.probes))
	for k, v := range s.probes {
		probes[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		status := healthpb.HealthCheckResponse_SERVING
		if err := probes[name](ctx); err != nil {
			s.logger.Warn("Health probe failed", zap.String("service", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Run probes every ProbeInterval until ctx is done.
func (s *HealthServer) Run(ctx context.Context) {
	interval := s.config.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func (s *HealthServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info("gRPC health server started", zap.String("address", addr))
	return s.Serve(lis)
}

func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
