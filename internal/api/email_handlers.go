package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/queue"
	"github.com/shineum/mailgate/internal/templates"
)

type queuedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type sentResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Provider  string `json:"provider"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	msg, err := req.message()
	if err != nil {
		writeValidation(w, err)
		return
	}

	if !req.useQueue() {
		out, err := s.deps.Queue.SendDirect(r.Context(), msg)
		if err != nil {
			slog.Error("direct send failed", "provider", out.Provider, "error", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, sentResponse{
			Success:   true,
			Message:   "Email sent successfully",
			MessageID: out.MessageID,
			Provider:  out.Provider,
		})
		return
	}

	s.enqueue(w, r, msg, "Email queued successfully")
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, msg *email.Message, text string) {
	job, err := s.deps.Queue.Enqueue(r.Context(), msg)
	if err != nil {
		slog.Error("failed to enqueue email", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue email")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Success: true, Message: text, JobID: job.ID})
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req templates.OTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if err := validateOTP(&req); err != nil {
		writeValidation(w, err)
		return
	}
	msg, err := s.deps.Templates.OTP(req)
	if err != nil {
		writeValidation(w, err)
		return
	}
	s.enqueue(w, r, msg, "OTP email queued successfully")
}

func (s *Server) handleSendPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req templates.PasswordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if err := validatePasswordReset(&req); err != nil {
		writeValidation(w, err)
		return
	}
	msg, err := s.deps.Templates.PasswordReset(req)
	if err != nil {
		writeValidation(w, err)
		return
	}
	s.enqueue(w, r, msg, "Password reset email queued successfully")
}

func (s *Server) handleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var req templates.WelcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if err := validateWelcome(&req); err != nil {
		writeValidation(w, err)
		return
	}
	msg, err := s.deps.Templates.Welcome(req)
	if err != nil {
		writeValidation(w, err)
		return
	}
	s.enqueue(w, r, msg, "Welcome email queued successfully")
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	msgs, err := req.messages()
	if err != nil {
		writeValidation(w, err)
		return
	}

	jobs, err := s.deps.Queue.EnqueueBulk(r.Context(), msgs)
	if err != nil {
		slog.Error("failed to enqueue bulk emails", "count", len(msgs), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue emails")
		return
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	writeJSON(w, http.StatusAccepted, struct {
		Success bool     `json:"success"`
		Message string   `json:"message"`
		JobIDs  []string `json:"jobIds"`
	}{true, "Emails queued successfully", ids})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		slog.Error("failed to read queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool        `json:"success"`
		Paused  bool        `json:"paused"`
		Stats   queue.Stats `json:"stats"`
	}{true, s.deps.Queue.Paused(), st})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		slog.Error("failed to read job", "job_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read job")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool       `json:"success"`
		Job     *queue.Job `json:"job"`
	}{true, job})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Queue paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Queue resumed"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.Clear(r.Context())
	if err != nil {
		slog.Error("failed to clear queue", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Queue cleared", "removed": n})
}
