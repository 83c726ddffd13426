package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/llm"
)

type historyMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

type chatRequest struct {
	Input   string           `json:"input"`
	Message string           `json:"message"`
	History []historyMessage `json:"history" validate:"max=50,dive"`
}

func (req chatRequest) text() string {
	if in := strings.TrimSpace(req.Input); in != "" {
		return in
	}
	return strings.TrimSpace(req.Message)
}

type searchRequest struct {
	Question string `json:"question" validate:"required"`
	TopK     int    `json:"top_k" validate:"gte=0,lte=100"`
}

type searchResponse struct {
	Passages []string `json:"passages"`
}

// handleChat streams the assistant's answer as plain text. Failures before the
// first byte is written produce a JSON error instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	input := req.text()
	if input == "" {
		s.writeError(w, r, badRequest("input is required"))
		return
	}

	history := make([]llm.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	started := false
	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(delta)); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	}

	resp, _, err := s.deps.Assistant.Run(r.Context(), id, history, input, emit)
	if err != nil {
		if started {
			s.logger.Warn("chat stream interrupted", zap.String("subject", id.Subject), zap.Error(err))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		s.logger.Error("chat failed", zap.String("subject", id.Subject), zap.Error(err))
		return
	}
	if !started {
		// Nothing was streamed, e.g. the final turn was empty.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(resp.Answer))
	}
	s.logger.Debug("chat answered",
		zap.String("subject", id.Subject),
		zap.Int("tool_calls", len(resp.Invocations)),
	)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	passages, err := s.deps.Retriever.RetrieveAuthorized(r.Context(), req.Question, id.Subject, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Passages: passages})
}
