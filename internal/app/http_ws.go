package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"synergysphere/api/internal/realtime"
)

// socketSession resolves the caller before the upgrade so a bad token gets
// a plain 401 instead of a socket that closes immediately.
func (s *HTTPServer) socketSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message, nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) upgrade(w http.ResponseWriter, r *http.Request, session Session) (*realtime.WSConn, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "err", err)
		return nil, false
	}
	return realtime.NewWSConn(ws, session.UserID, realtime.WSOptions{
		SendBuffer:   s.opts.SendBuffer,
		WriteTimeout: s.opts.WriteTimeout,
		Logger:       s.logger,
	}), true
}

func (s *HTTPServer) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := s.socketSession(w, r)
	if !ok {
		return
	}
	conn, ok := s.upgrade(w, r, session)
	if !ok {
		return
	}
	defer conn.Close()

	projectID := chi.URLParam(r, "projectID")
	if err := s.service.ServeChat(r.Context(), conn, s.rooms, projectID, session, s.opts.RateLimit); err != nil {
		s.logger.Info("chat socket closed", "project_id", projectID, "user_id", session.UserID, "err", err)
	}
}

// handleNotificationSocket only pushes; inbound frames are drained and
// dropped until the client goes away.
func (s *HTTPServer) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := s.socketSession(w, r)
	if !ok {
		return
	}
	conn, ok := s.upgrade(w, r, session)
	if !ok {
		return
	}
	defer conn.Close()

	key := realtime.UserChannel(session.UserID)
	s.rooms.Join(key, conn)
	defer s.rooms.Leave(key, conn)

	for {
		if _, err := conn.ReadText(); err != nil {
			return
		}
	}
}
