package server

import (
	"net/http"
	"strings"

	"github.com/ironpxe/ironpxe/internal/server/middleware"
	"github.com/ironpxe/ironpxe/internal/services/clone"
)

// callbackTypes maps URL path segments onto callback types. The wire names
// use hyphens; the domain uses underscores.
var callbackTypes = map[string]clone.CallbackType{
	"source-ready":     clone.CallbackSourceReady,
	"progress":         clone.CallbackProgress,
	"upload-complete":  clone.CallbackUploadComplete,
	"download-started": clone.CallbackDownloadStarted,
	"complete":         clone.CallbackCompleted,
	"failed":           clone.CallbackFailed,
}

// handleCallbacks routes /api/v1/clone/callbacks/{type}. The session and
// role come from the agent's verified token, never from the body: an agent
// can only ever report about the session its token was minted for.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	kind := strings.TrimPrefix(r.URL.Path, "/api/v1/clone/callbacks/")
	cbType, ok := callbackTypes[kind]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown callback type"})
		return
	}

	s.auth.RequireAgentToken(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.AgentClaimsFrom(r.Context())

		var cb clone.CallbackRequest
		if !s.decodeBody(w, r, &cb) {
			return
		}
		cb.Type = cbType

		session, err := s.cloneService.HandleCallback(r.Context(), claims.SessionID, claims.CertificateRole(), cb)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	})(w, r)
}
