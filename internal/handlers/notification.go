package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
	"github.com/stanstork/admin-inbox/internal/notification"
	"github.com/stanstork/admin-inbox/internal/session"
)

// Inbox is the part of the session the HTTP API drives.
type Inbox interface {
	Snapshot() notification.Snapshot
	MarkAllRead(ctx context.Context) notification.Snapshot
	Status() session.Status
	Restart(ctx context.Context) error
	Login(ctx context.Context, token string) error
	Logout(ctx context.Context) error
}

type NotificationHandler struct {
	inbox  Inbox
	logger zerolog.Logger
}

func NewNotificationHandler(inbox Inbox, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		inbox:  inbox,
		logger: logger.With().Str("handler", "notification").Logger(),
	}
}

// List returns the inbox newest first. ?unread=true keeps only unread records
// and ?limit=n truncates; unread_count always reflects the whole inbox.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.inbox.Snapshot()

	if unread, _ := strconv.ParseBool(r.URL.Query().Get("unread")); unread {
		filtered := make([]models.Notification, 0, snap.UnreadCount)
		for _, n := range snap.Notifications {
			if !n.IsRead {
				filtered = append(filtered, n)
			}
		}
		snap.Notifications = filtered
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if limit < len(snap.Notifications) {
			snap.Notifications = snap.Notifications[:limit]
		}
	}

	writeJSON(w, http.StatusOK, snap)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.inbox.MarkAllRead(r.Context()))
}

func (h *NotificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.inbox.Status())
}

type loginRequest struct {
	Token string `json:"token"`
}

func (h *NotificationHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.Restart(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to restart session")
		http.Error(w, "Failed to restart session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.inbox.Status())
}

func (h *NotificationHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	if err := h.inbox.Login(r.Context(), req.Token); err != nil {
		if errors.Is(err, session.ErrInvalidCredential) || errors.Is(err, session.ErrReadOnlyCredential) {
			http.Error(w, "Failed to log in: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Msg("failed to log in")
		http.Error(w, "Failed to log in", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.inbox.Status())
}

func (h *NotificationHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.Logout(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to log out")
		http.Error(w, "Failed to log out", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
