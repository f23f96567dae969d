package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"

	pb "github.com/aixgo-dev/agentrt/proto"
)

// Server exposes a Servicer over gRPC.
type Server struct {
	servicer *Servicer
	grpc     *grpc.Server
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewServer creates a gRPC server for servicer. opts usually come from
// transport.ServerOptions.
func NewServer(servicer *Servicer, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(opts...)
	pb.RegisterAgentRpcServer(srv, servicer)
	return &Server{
		servicer: servicer,
		grpc:     srv,
		logger:   logger.With("component", "host"),
	}
}

// Servicer returns the servicer behind the server.
func (s *Server) Servicer() *Servicer { return s.servicer }

// Listen binds address and serves in the background.
func (s *Server) Listen(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.ServeListener(lis)
	return nil
}

// ServeListener serves on lis in the background.
func (s *Server) ServeListener(lis net.Listener) {
	s.mu.Lock()
	s.listener = lis
	s.serveErr = make(chan error, 1)
	errCh := s.serveErr
	s.mu.Unlock()

	s.logger.Info("host listening", "address", lis.Addr().String())
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Wait blocks until the server stops serving or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	errCh := s.serveErr
	s.mu.Unlock()
	if errCh == nil {
		return nil
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting workers, ends every worker stream once its queued
// frames are sent and waits for the streams to close. Connections still
// open when ctx is done are closed forcefully.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	s.servicer.Shutdown()

	select {
	case <-done:
		s.logger.Info("host stopped")
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
		s.logger.Warn("host stopped forcefully", "clients", s.servicer.ClientCount())
		return ctx.Err()
	}
}
