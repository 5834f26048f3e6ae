package engine

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service. The overall
// status ("") follows the engine's connectivity checks.
type HealthServer struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
	log    *slog.Logger
}

// NewHealthServer creates a health server that will listen on addr.
func NewHealthServer(addr string, logger *slog.Logger) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		addr:   addr,
		srv:    srv,
		health: hs,
		log:    logger.With("component", "health"),
	}
}

// Register adds services to the gRPC server. It must be called before
// Start.
func (h *HealthServer) Register(register func(*grpc.Server)) {
	register(h.srv)
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health listen on %s: %w", h.addr, err)
	}
	h.lis = lis
	h.log.Info("health server listening", "addr", lis.Addr().String())
	go func() {
		if err := h.srv.Serve(lis); err != nil {
			h.log.Error("health server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *HealthServer) Addr() string {
	if h.lis != nil {
		return h.lis.Addr().String()
	}
	return h.addr
}

// SetServing updates the overall status.
func (h *HealthServer) SetServing(ok bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Stop marks the service not serving and drains open calls.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
