package microservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-subreceiver/pkg/receiver"
	"github.com/rs/zerolog"
)

// Receiver is the part of a SubscriptionReceiver the server drives.
type Receiver interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Running() bool
	Err() error
	Stats() receiver.Stats
}

// StatusResponse is the body served on /status.
type StatusResponse struct {
	Running   bool           `json:"running"`
	LastError string         `json:"lastError,omitempty"`
	Stats     receiver.Stats `json:"stats"`
}

var _ Service = (*ReceiverServer)(nil)

// ReceiverServer runs a receiver behind the BaseServer HTTP surface.
type ReceiverServer struct {
	*BaseServer
	receiver Receiver
}

// NewReceiverServer registers /readyz and /status for r.
func NewReceiverServer(r Receiver, httpPort string, logger zerolog.Logger) *ReceiverServer {
	s := &ReceiverServer{
		BaseServer: NewBaseServer(logger.With().Str("component", "ReceiverServer").Logger(), httpPort),
		receiver:   r,
	}
	s.Mux().HandleFunc("/readyz", s.readyzHandler)
	s.Mux().HandleFunc("/status", s.statusHandler)
	return s
}

// Start brings up the HTTP server and then the receive loop.
func (s *ReceiverServer) Start(ctx context.Context) error {
	if err := s.BaseServer.Start(); err != nil {
		return err
	}
	if err := s.receiver.Start(ctx); err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}
	return nil
}

// Shutdown closes the receiver first so no message is taken on while the
// HTTP server drains.
func (s *ReceiverServer) Shutdown(ctx context.Context) error {
	if err := s.receiver.Close(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error closing receiver.")
	}
	return s.BaseServer.Shutdown(ctx)
}

// HealthzHandler answers liveness checks. It says nothing about the receiver;
// /readyz does.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *ReceiverServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.receiver.Running() {
		http.Error(w, "receiver not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *ReceiverServer) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running: s.receiver.Running(),
		Stats:   s.receiver.Stats(),
	}
	if err := s.receiver.Err(); err != nil {
		resp.LastError = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to encode status response.")
	}
}
