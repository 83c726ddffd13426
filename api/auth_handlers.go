package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/session"
)

type profileResponse struct {
	Subject string `json:"subject"`
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := s.deps.Sessions.LoginURL(r.Context(), w, s.returnTo(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	_, returnTo, err := s.deps.Sessions.CompleteLogin(w, r)
	if err != nil {
		s.logger.Warn("login failed", zap.Error(err))
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "login failed: " + err.Error()})
		return
	}
	if returnTo == "" {
		returnTo = s.opts.FrontendURL
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	target, err := s.deps.Sessions.Logout(w, r, s.opts.FrontendURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: target})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profileResponse{Subject: id.Subject, UserID: id.UserID, Email: id.Email, Name: id.Name})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	connection := chi.URLParam(r, "connection")

	flow, err := s.deps.Sessions.BeginFlow(w, session.Flow{
		Connection: connection,
		Subject:    id.Subject,
		ReturnTo:   s.returnTo(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.deps.Connections.AuthCodeURL(connection, flow.State, flow.Verifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	connection := chi.URLParam(r, "connection")

	flow, err := s.deps.Sessions.ConsumeFlow(w, r)
	if err != nil {
		s.writeError(w, r, badRequest("connect %s: %v", connection, err))
		return
	}
	if flow.Connection != connection || flow.Subject != id.Subject {
		s.writeError(w, r, badRequest("connect %s: flow does not match this request", connection))
		return
	}

	if err := s.deps.Connections.Exchange(r.Context(), id.Subject, connection, r.URL.Query().Get("code"), flow.Verifier); err != nil {
		s.writeError(w, r, err)
		return
	}

	returnTo := flow.ReturnTo
	if returnTo == "" {
		returnTo = s.opts.FrontendURL
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	statuses, err := s.deps.Connections.List(r.Context(), id.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": statuses})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Connections.Disconnect(r.Context(), id.Subject, chi.URLParam(r, "connection")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// returnTo accepts only relative paths or URLs under the frontend origin.
func (s *Server) returnTo(r *http.Request) string {
	target := strings.TrimSpace(r.URL.Query().Get("returnTo"))
	if target == "" {
		return ""
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	front, err := url.Parse(s.opts.FrontendURL)
	if err != nil || front.Host == "" || u.Scheme != front.Scheme || u.Host != front.Host {
		return ""
	}
	return target
}
