// Package health exposes the engine lifecycle over the standard gRPC health
// service so orchestrators can gate traffic on model readiness.
package health

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
)

// ServiceName is the health service key reported alongside the overall "" key.
const ServiceName = "transcribe.v1.TranscribeAPI"

const gracefulStopTimeout = 5 * time.Second

// Server is a gRPC server carrying only the health service.
type Server struct {
	log    *slog.Logger
	grpc   *grpc.Server
	health *grpchealth.Server
}

// NewServer returns a Server reporting NOT_SERVING until Observe sees Ready.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:    logger.With("component", "health"),
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
	}
	healthgrpc.RegisterHealthServer(s.grpc, s.health)
	s.set(healthgrpc.HealthCheckResponse_NOT_SERVING)
	return s
}

// Observe maps a lifecycle state onto the serving status. It is registered
// as a lifecycle observer.
func (s *Server) Observe(st lifecycle.State) {
	status := healthgrpc.HealthCheckResponse_NOT_SERVING
	if st.Status == lifecycle.StatusReady {
		status = healthgrpc.HealthCheckResponse_SERVING
	}
	s.log.Debug("serving status updated", "state", st.Status.String(), "status", status.String())
	s.set(status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks the service NOT_SERVING and stops gracefully, forcing the stop
// after a timeout.
func (s *Server) Stop() {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		s.log.Warn("graceful stop timed out, forcing stop")
		s.grpc.Stop()
	}
}

func (s *Server) set(status healthgrpc.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
