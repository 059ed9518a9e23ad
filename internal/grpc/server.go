// Package grpc exposes the admin gRPC endpoint: the standard health service and reflection.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health entry clients can query besides the overall "" entry.
const ServiceName = "commerce.v1.CommerceService"

type Server struct {
	srv    *grpc.Server
	health *health.Server
	log    *slog.Logger
}

func NewServer(log *slog.Logger) *Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	// Enable reflection for grpcurl/grpcui
	reflection.Register(srv)

	s := &Server{srv: srv, health: hs, log: log}
	s.SetServing(true)
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc admin server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch runs check every interval and mirrors the result into the health service until ctx ends.
func (s *Server) Watch(ctx context.Context, interval time.Duration, check func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := check(checkCtx)
			cancel()
			if ok := err == nil; ok != serving {
				serving = ok
				s.SetServing(ok)
				s.log.Warn("health status changed", "serving", ok, "error", err)
			}
		}
	}
}

// GracefulStop flips health to NOT_SERVING before draining connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
