package httpapi

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
)

// GRPCServer serves grpc.health.v1 for the registry, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
	log       zerolog.Logger
}

// NewGRPCServer creates the gRPC server with health and reflection registered.
func NewGRPCServer(r readinessChecker, log zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		log:       log,
	}
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	return s
}

// Refresh evaluates readiness and publishes it as the serving status.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// WatchReadiness refreshes the serving status every interval until ctx ends.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) Serve(lis net.Listener) error { return s.server.Serve(lis) }

// Stop marks every service as not serving and drains connections.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
		Msg("grpc_complete")
	return resp, err
}
