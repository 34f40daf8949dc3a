package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shineum/mailgate/internal/auth"
	"github.com/shineum/mailgate/internal/inbox"
)

func (s *Server) inboundDisabled(w http.ResponseWriter) bool {
	if s.deps.Inbox == nil || s.deps.Users == nil {
		writeError(w, http.StatusServiceUnavailable, "Inbound SMTP server is disabled")
		return true
	}
	return false
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	msgs, err := s.deps.Inbox.List()
	if err != nil {
		slog.Error("failed to list inbox", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool                   `json:"success"`
		Count    int                    `json:"count"`
		Messages []*inbox.StoredMessage `json:"messages"`
	}{true, len(msgs), msgs})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	id := r.PathValue("id")
	m, err := s.deps.Inbox.Get(id)
	if errors.Is(err, inbox.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		slog.Error("failed to read message", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read message")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool                 `json:"success"`
		Message *inbox.StoredMessage `json:"message"`
	}{true, m})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	id := r.PathValue("id")
	err := s.deps.Inbox.Delete(id)
	if errors.Is(err, inbox.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete message", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Message deleted"})
}

func (s *Server) handleClearInbox(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	n, err := s.deps.Inbox.Clear()
	if err != nil {
		slog.Error("failed to clear inbox", "removed", n, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear inbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Inbox cleared", "deleted": n})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool     `json:"success"`
		Users   []string `json:"users"`
	}{true, s.deps.Users.ListUsers()})
}

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if req.Username == "" {
		writeValidation(w, invalid("username", "is required"))
		return
	}
	if req.Password == "" {
		writeValidation(w, invalid("password", "is required"))
		return
	}
	if err := s.deps.Users.AddUser(req.Username, req.Password); err != nil {
		slog.Error("failed to add SMTP user", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add user")
		return
	}
	slog.Info("SMTP user added", "user", req.Username)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": "User added"})
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	if s.inboundDisabled(w) {
		return
	}
	username := r.PathValue("username")
	err := s.deps.Users.RemoveUser(username)
	if errors.Is(err, auth.ErrUnknownUser) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove user")
		return
	}
	slog.Info("SMTP user removed", "user", username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User removed"})
}
