package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shineum/mailgate/internal/analytics"
	"github.com/shineum/mailgate/internal/provider"
)

// verifyTimeout bounds a provider health check.
const verifyTimeout = 15 * time.Second

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success   bool              `json:"success"`
		Analytics analytics.Summary `json:"analytics"`
	}{true, s.deps.Recorder.Summary()})
}

func (s *Server) handleAnalyticsFull(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success   bool               `json:"success"`
		Analytics analytics.Snapshot `json:"analytics"`
	}{true, s.deps.Recorder.Snapshot()})
}

func (s *Server) handleAnalyticsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Recorder.Reset(); err != nil {
		slog.Error("failed to reset analytics", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reset analytics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Analytics reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"provider":    s.deps.Queue.Provider().Name(),
		"queuePaused": s.deps.Queue.Paused(),
		"inbound":     s.deps.Inbox != nil,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()

	p := s.deps.Queue.Provider()
	res := provider.Verify(ctx, p)
	status := http.StatusOK
	if !res.Success {
		slog.Warn("provider verification failed", "provider", p.Name(), "message", res.Message)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Success  bool   `json:"success"`
		Provider string `json:"provider"`
		Message  string `json:"message"`
	}{res.Success, p.Name(), res.Message})
}
