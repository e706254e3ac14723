// Package httpsrv runs the node's auxiliary HTTP servers (status API and
// metrics) for the lifetime of a context.
package httpsrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittofc/internal/logger"
)

// ShutdownGrace bounds the graceful shutdown started by context
// cancellation.
const ShutdownGrace = 5 * time.Second

// Server is an http.Server that binds before serving, so address errors are
// returned by Run instead of being lost in a goroutine.
type Server struct {
	name string
	srv  *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	stopErr  error
}

// New wraps srv. name labels log records ("API", "metrics").
func New(name string, srv *http.Server) *Server {
	return &Server{name: name, srv: srv}
}

// Handler returns the wrapped handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr returns the bound address once Run is listening, else the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Run listens and serves until ctx is cancelled, then shuts down within
// ShutdownGrace. It returns nil after a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("%s server failed: %w", s.name, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logger.Info(s.name+" server listening", logger.KeyAddr, ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("%s server failed: %w", s.name, err)
	}
}

// Stop shuts the server down. Later calls return the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if err := s.srv.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("%s server shutdown error: %w", s.name, err)
			logger.Error(s.name+" server shutdown error", logger.Err(err))
			return
		}
		logger.Info(s.name + " server stopped")
	})
	return s.stopErr
}
