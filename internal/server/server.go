package server

import (
	"context"
	"fmt"
	"net"

	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// Server runs the gRPC listener for the rate limit service.
type Server struct {
	addr string
	grpc *grpc.Server
}

// New builds a server for the given service.
func New(addr string, service pb.RateLimitServiceServer) *Server {
	grpcServer := grpc.NewServer()
	pb.RegisterRateLimitServiceServer(grpcServer, service)
	reflection.Register(grpcServer)
	return &Server{addr: addr, grpc: grpcServer}
}

// Serve listens on the configured address and blocks until the context is
// canceled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	log.Info().Str("addr", s.addr).Msg("Starting gRPC rate limit service")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("Stopping gRPC server")
		s.grpc.GracefulStop()
		return nil
	}
}
