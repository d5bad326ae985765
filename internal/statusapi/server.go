// Package statusapi exposes the monitor's operational status over HTTP:
// health, last-poll/last-refresh timing, tracked-market count, and recent
// alert activity. Trimmed from the teacher's internal/api dashboard server
// down to the read-only status surface this system needs — no WebSocket
// hub, no P&L/risk snapshot, no static dashboard assets.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Snapshot is the status payload this package serializes. It mirrors
// engine.Snapshot's fields without importing the engine package, so
// statusapi stays a pure leaf in the dependency graph.
type Snapshot struct {
	Uptime           time.Duration
	LastPollAt       time.Time
	LastPollErr      error
	LastRefreshAt    time.Time
	LastRefreshErr   error
	TrackedMarkets   int
	LastAlertAt      time.Time
	TotalAlertsFired int64
}

// Provider supplies the current operational snapshot on demand.
type Provider interface {
	Status() Snapshot
}

// Server is the minimal HTTP status server.
type Server struct {
	provider Provider
	http     *http.Server
	logger   *slog.Logger
}

// NewServer builds a Server listening on port.
func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	logger = logger.With("component", "statusapi")

	mux := http.NewServeMux()
	s := &Server{provider: provider, logger: logger}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server until it errors or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status api starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastPollAt       string  `json:"last_poll_at,omitempty"`
	LastPollError    string  `json:"last_poll_error,omitempty"`
	LastRefreshAt    string  `json:"last_refresh_at,omitempty"`
	LastRefreshError string  `json:"last_refresh_error,omitempty"`
	TrackedMarkets   int     `json:"tracked_markets"`
	LastAlertAt      string  `json:"last_alert_at,omitempty"`
	TotalAlertsFired int64   `json:"total_alerts_fired"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Status()

	resp := statusResponse{
		UptimeSeconds:    snap.Uptime.Seconds(),
		TrackedMarkets:   snap.TrackedMarkets,
		TotalAlertsFired: snap.TotalAlertsFired,
	}
	if !snap.LastPollAt.IsZero() {
		resp.LastPollAt = snap.LastPollAt.Format(time.RFC3339)
	}
	if snap.LastPollErr != nil {
		resp.LastPollError = snap.LastPollErr.Error()
	}
	if !snap.LastRefreshAt.IsZero() {
		resp.LastRefreshAt = snap.LastRefreshAt.Format(time.RFC3339)
	}
	if snap.LastRefreshErr != nil {
		resp.LastRefreshError = snap.LastRefreshErr.Error()
	}
	if !snap.LastAlertAt.IsZero() {
		resp.LastAlertAt = snap.LastAlertAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode status response failed", "error", err)
	}
}
