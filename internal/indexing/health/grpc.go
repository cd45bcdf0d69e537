package health

import (
	"context"
	"fmt"
	logger "log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// ServiceName returns the gRPC health service name of a chain.
func ServiceName(chainID domain.ChainID) string {
	return fmt.Sprintf("reclaimer.chain.%d", chainID)
}

// GRPCServer serves the standard gRPC health protocol. The overall
// service ("") and each chain are reported separately.
type GRPCServer struct {
	monitor  *Monitor
	health   *health.Server
	server   *grpc.Server
	port     int
	interval time.Duration
}

// NewGRPCServer creates a gRPC health server.
func NewGRPCServer(monitor *Monitor, port int) *GRPCServer {
	s := &GRPCServer{
		monitor:  monitor,
		health:   health.NewServer(),
		server:   grpc.NewServer(),
		port:     port,
		interval: 15 * time.Second,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Update pushes the current monitor report into the health service.
func (s *GRPCServer) Update(ctx context.Context) {
	chains := s.monitor.CheckHealth(ctx)
	for id, chain := range chains {
		s.health.SetServingStatus(ServiceName(id), servingStatus(chain.Status))
	}
	s.health.SetServingStatus("", servingStatus(Aggregate(chains)))
}

func servingStatus(status SystemStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == StatusCritical {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Start listens and keeps the health service current until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", s.port, err)
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.Update(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	logger.Info("gRPC health server listening", "port", s.port)
	return s.server.Serve(lis)
}

// Stop marks every service as not serving and stops the server.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
