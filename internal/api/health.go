package api

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/ml"
)

// DetectorService is the service name reported by the health endpoint.
const DetectorService = "nfa-ids.Detector"

// HealthConfig holds configuration for the gRPC health server.
type HealthConfig struct {
	// Address is the listen address
	Address string
	// KeepAliveTime for connection health checks
	KeepAliveTime time.Duration
	// KeepAliveTimeout before an unresponsive client is dropped
	KeepAliveTimeout time.Duration
}

// DefaultHealthConfig returns default health server configuration
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		Address:          ":9091",
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 5 * time.Second,
	}
}

// HealthService serves grpc.health.v1. DetectorService is SERVING only
// while a model is installed, so load balancers and orchestrators can gate
// traffic on model readiness.
type HealthService struct {
	config *HealthConfig
	health *health.Server
	server *grpc.Server
	logger *logging.Logger
}

// NewHealthService creates the health server and tracks adapter installs.
func NewHealthService(cfg *HealthConfig, adapter *ml.Adapter) *HealthService {
	if cfg == nil {
		cfg = DefaultHealthConfig()
	}

	hs := health.NewServer()
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    cfg.KeepAliveTime,
		Timeout: cfg.KeepAliveTimeout,
	}))
	healthpb.RegisterHealthServer(gs, hs)

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if adapter.Snapshot() != nil {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(DetectorService, status)
	adapter.OnInstall(func(*ml.Model) {
		hs.SetServingStatus(DetectorService, healthpb.HealthCheckResponse_SERVING)
	})

	return &HealthService{
		config: cfg,
		health: hs,
		server: gs,
		logger: logging.APILogger(),
	}
}

// Serve accepts connections on lis until Stop.
func (h *HealthService) Serve(lis net.Listener) error {
	h.logger.Info("grpc health server listening", "addr", lis.Addr().String())
	if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("api: grpc serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Stop.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.config.Address)
	if err != nil {
		return fmt.Errorf("api: grpc listen: %w", err)
	}
	return h.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open streams.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
