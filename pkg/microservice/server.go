package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Service is anything main can start, expose over HTTP and stop.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// BaseServer owns the listener and the mux that receiver endpoints hang off.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	boundAddr  string
	mu         sync.RWMutex
}

// NewBaseServer returns a server for httpPort with /healthz registered. It
// does not listen until Start.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)

	return &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      mux,
		httpServer: &http.Server{
			Addr:    httpPort,
			Handler: mux,
		},
	}
}

// Start binds the port and serves in the background. Bind errors are
// returned; serve errors are only logged.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.boundAddr).Msg("Status endpoints listening.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("Status server stopped serving.")
		}
	}()

	return nil
}

// Shutdown drains open requests until ctx expires.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Status server did not drain cleanly.")
		return err
	}
	s.Logger.Info().Msg("Status server closed.")
	return nil
}

// GetHTTPPort reports the bound port, so ":0" resolves to the real one
// after Start.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.boundAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}
