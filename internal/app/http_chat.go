package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/store"
)

type messageBody struct {
	Message string `json:"message"`
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	messages, err := s.service.History(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": realtime.NewMessageViews(messages),
		"page":     page,
	})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": realtime.NewMessageView(msg)})
}

type promptBody struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
}

func (s *HTTPServer) handleAskAssistant(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	msg, err := s.service.AskAssistant(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "processing", "message": realtime.NewMessageView(msg)})
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.EditMessage(r.Context(), sessionFrom(r), chi.URLParam(r, "messageID"), body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": realtime.NewMessageView(msg)})
}

func (s *HTTPServer) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.SearchMessages(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := strings.EqualFold(r.URL.Query().Get("unread"), "true")
	items, err := s.service.Notifications(r.Context(), sessionFrom(r), unreadOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]realtime.NotificationView, 0, len(items))
	for _, item := range items {
		views = append(views, realtime.NewNotificationView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": views})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), sessionFrom(r), chi.URLParam(r, "notificationID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": store.NotificationRead})
}

func (s *HTTPServer) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	updated, err := s.service.MarkAllNotificationsRead(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(name+" must be an integer", map[string]any{"field": name})
	}
	return value, nil
}
