package grpc

import (
	"net"

	"google.golang.org/grpc"

	"github.com/caravelhq/caravel/internal/logging"

	// Registers the JSON codec both planes share.
	_ "github.com/caravelhq/caravel/internal/sourcelink"
)

// Server hosts the broker plane.
type Server struct {
	grpcServer *grpc.Server
}

// NewServer builds the gRPC server with the broker service registered.
func NewServer(svc *Service) *Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor, errorInterceptor),
	)
	RegisterBrokerServer(s, svc)
	return &Server{grpcServer: s}
}

// Serve listens and blocks until Stop.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Op().Info("grpc server listening", "addr", addr)
	return s.grpcServer.Serve(lis)
}

// ServeListener serves on a caller-provided listener. Used by tests.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop drains in-flight calls and shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
