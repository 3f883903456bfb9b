package grpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// serviceName is the health-check service name admin tooling polls for
// this proxy's own liveness, distinct from the "" overall-server entry
// grpc_health_v1 also serves.
const serviceName = "dblb.Supervisor"

// HealthSource reports whether the proxy's supervised backends are in a
// state the admin control plane should call SERVING. The gRPC server
// polls it on a fixed interval and pushes the result into the standard
// health service, so the one RPC surface this package actually exposes
// reflects real backend health instead of a static flag.
type HealthSource interface {
	Serving() bool
}

// Server is a minimal admin control plane: it serves the standard
// grpc_health_v1.Health RPC (tied to a HealthSource) plus reflection for
// debugging with grpcurl. There is no generated ModuleService here —
// without .proto-derived stubs, a bespoke RPC interface on this server
// has no client that could ever call it, so this package no longer
// pretends to expose one. Domain introspection (supervisor stats) is
// instead served over the already-running metrics HTTP mux; see
// cmd/main.go's /status handler.
type Server struct {
	address      string
	port         int
	source       HealthSource
	grpcServer   *grpc.Server
	healthServer *health.Server
	logger       *logrus.Logger
	listener     net.Listener
	stopPolling  chan struct{}
	mu           sync.RWMutex
	running      bool
}

// NewServer creates an admin gRPC server that polls source for health.
func NewServer(address string, port int, source HealthSource, logger *logrus.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		source:  source,
		logger:  logger,
	}
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener

	// Configure keepalive parameters
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  5 * time.Second,
		Timeout:               1 * time.Second,
	}

	kaEnforcementPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaEnforcementPolicy),
		grpc.MaxRecvMsgSize(16 * 1024 * 1024), // 16MB
		grpc.MaxSendMsgSize(16 * 1024 * 1024), // 16MB
	}

	s.grpcServer = grpc.NewServer(opts...)

	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.setServingFromSource()

	reflection.Register(s.grpcServer)

	stopPolling := make(chan struct{})
	s.stopPolling = stopPolling
	go s.pollHealth(stopPolling)

	s.running = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": addr,
	}).Info("DBLB gRPC server starting")

	if err := s.grpcServer.Serve(listener); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("gRPC server error: %w", err)
	}

	return nil
}

func (s *Server) pollHealth(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.setServingFromSource()
		}
	}
}

func (s *Server) setServingFromSource() {
	if s.source == nil || s.healthServer == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.source.Serving() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(serviceName, status)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping DBLB gRPC server")

	if s.stopPolling != nil {
		close(s.stopPolling)
		s.stopPolling = nil
	}

	if s.healthServer != nil {
		s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		s.healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("DBLB gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Graceful stop timeout, forcing stop")
		s.grpcServer.Stop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.running = false
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *Server) GetPort() int {
	return s.port
}

// GetAddress returns the server address
func (s *Server) GetAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.address, s.port)
}
