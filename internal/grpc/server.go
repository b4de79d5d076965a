// Package grpc hosts the gRPC health service. Serving status follows the
// point store so orchestrators can stop routing fixes to a worker whose
// buffer is unreachable.
package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DefaultCheckInterval is how often the store is probed
const DefaultCheckInterval = 10 * time.Second

// Checker reports whether a dependency is usable
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Server wraps a grpc.Server with health and reflection registered
type Server struct {
	srv      *grpc.Server
	health   *health.Server
	checker  Checker
	interval time.Duration
	services []string

	mu      sync.Mutex
	serving bool
}

// NewServer creates the server. Status is reported for the overall server
// ("") and for every name in services.
func NewServer(checker Checker, interval time.Duration, services ...string) *Server {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{
		srv:      srv,
		health:   hs,
		checker:  checker,
		interval: interval,
		services: append([]string{""}, services...),
	}
	s.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return s
}

// Serve accepts connections on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Check probes the store once and publishes the result
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := s.checker.HealthCheck(ctx)
	healthy := err == nil

	s.mu.Lock()
	changed := healthy != s.serving
	s.serving = healthy
	s.mu.Unlock()

	if healthy {
		s.setStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	if changed {
		if healthy {
			log.Info().Msg("Point store healthy, reporting SERVING")
		} else {
			log.Warn().Err(err).Msg("Point store unhealthy, reporting NOT_SERVING")
		}
	}

	return healthy
}

// WatchHealth re-checks the store every interval until ctx is done
func (s *Server) WatchHealth(ctx context.Context) {
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Shutdown drains in-flight RPCs, forcing a stop if ctx expires first
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		log.Warn().Msg("gRPC shutdown timeout exceeded, forcing stop")
		s.srv.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}
}

func (s *Server) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for _, name := range s.services {
		s.health.SetServingStatus(name, status)
	}
}
