package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/connections"
	"github.com/fabfab/go-assistant/ingestion"
	"github.com/fabfab/go-assistant/rag"
	"github.com/fabfab/go-assistant/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// errForbidden marks a request by a caller lacking the needed relation.
var errForbidden = errors.New("forbidden")

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "invalid request"
		resp.Fields = fieldErrors(verrs)
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var (
		verrs  validator.ValidationErrors
		badReq *badRequestError
	)
	switch {
	case errors.As(err, &verrs), errors.As(err, &badReq),
		errors.Is(err, rag.ErrInvalidInput),
		errors.Is(err, ingestion.ErrUnsupportedFormat),
		errors.Is(err, authz.ErrUnknownRelation),
		errors.Is(err, authz.ErrInvalidTuple),
		errors.Is(err, connections.ErrUnknownConnection):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, ingestion.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func fieldErrors(verrs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			fields[name] = name + " is required"
		case "oneof":
			fields[name] = name + " must be one of: " + fe.Param()
		case "max":
			fields[name] = name + " must be at most " + fe.Param()
		default:
			fields[name] = name + " is invalid"
		}
	}
	return fields
}

// decodeJSON decodes a single JSON object into dst and validates it.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return badRequest("request body is required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest("decode request: %v", err)
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return validate.Struct(dst)
}
