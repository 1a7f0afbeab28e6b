package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	// ShortfallBytes is set on infeasible resize plans so callers can size
	// a retry without parsing the message.
	ShortfallBytes int64 `json:"shortfall_bytes,omitempty"`
}

// writeJSON serializes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	var infeasible *domain.InfeasiblePlanError
	var validation *domain.ValidationError
	var unreachable *domain.AgentUnreachableError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &infeasible):
		status = http.StatusUnprocessableEntity
		body.ShortfallBytes = infeasible.ShortfallBytes()
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &unreachable):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		body.Error = "internal server error"
	}
	s.writeJSON(w, status, body)
}

// decodeBody parses a JSON request body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// methodNotAllowed rejects unsupported methods on a route.
func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}
