package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/service"
)

// Server exposes a service.Service over gRPC on a unix socket.
type Server struct {
	server  *grpc.Server
	serving atomic.Bool
}

func New(svc service.Service, opts ...grpc.ServerOption) *Server {
	s := &Server{server: grpc.NewServer(opts...)}
	s.server.RegisterService(&serviceDesc, svc)
	return s
}

// Serve listens on socketPath until ctx is done. A stale socket file is
// removed first.
func (s *Server) Serve(ctx context.Context, wg *sync.WaitGroup, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		klog.Errorf("Failed to remove socket file %q: %v", socketPath, err)
		return fmt.Errorf("failed to remove socket file %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		klog.Errorf("Failed to listen on socket %q: %v", socketPath, err)
		return fmt.Errorf("failed to listen on socket %s: %w", socketPath, err)
	}

	s.serving.Store(true)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.serving.Store(false)
		if err := s.server.Serve(listener); err != nil {
			klog.Errorf("Server on %q stopped: %v", socketPath, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		klog.Infof("Serving %s on socket %q", ServiceName, socketPath)
		<-ctx.Done()
		s.server.GracefulStop()
	}()

	return nil
}

func (s *Server) Healthz(resp http.ResponseWriter, req *http.Request) {
	if s.serving.Load() {
		resp.WriteHeader(http.StatusOK)
		return
	}
	resp.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(resp, "%s is not serving\n", ServiceName)
}
