package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/server/middleware"
	"github.com/ironpxe/ironpxe/internal/services/clone"
)

// createSessionBody is the operator-facing create request.
type createSessionBody struct {
	Name             string `json:"name"`
	Mode             string `json:"mode"`
	SourceNodeID     string `json:"source_node_id"`
	TargetNodeID     string `json:"target_node_id,omitempty"`
	SourceDevice     string `json:"source_device"`
	TargetDevice     string `json:"target_device,omitempty"`
	ResizeMode       string `json:"resize_mode,omitempty"`
	Retain           bool   `json:"retain,omitempty"`
	ReuseStagingFrom string `json:"reuse_staging_from,omitempty"`
}

type assignTargetBody struct {
	TargetNodeID string `json:"target_node_id"`
	TargetDevice string `json:"target_device,omitempty"`
}

type sessionListResponse struct {
	Sessions []*domain.CloneSession `json:"sessions"`
	Total    int                    `json:"total"`
}

// handleSessionCollection serves the /api/v1/clone/sessions collection.
func (s *Server) handleSessionCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.auth.RequireAPIKey(domain.PermissionSessionCreate, s.createSession)(w, r)
	case http.MethodGet:
		s.auth.RequireAPIKey(domain.PermissionSessionRead, s.listSessions)(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

// handleSessionItem routes /api/v1/clone/sessions/{id}[/{action}].
func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/clone/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "session id required"})
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.auth.RequireAPIKey(domain.PermissionSessionRead, s.getSession(id))(w, r)
		case http.MethodDelete:
			s.auth.RequireAPIKey(domain.PermissionSessionUpdate, s.deleteSession(id))(w, r)
		default:
			s.methodNotAllowed(w)
		}
	case "target":
		s.requirePost(w, r, domain.PermissionSessionUpdate, s.assignTarget(id))
	case "start":
		s.requirePost(w, r, domain.PermissionSessionUpdate, s.startSession(id))
	case "cancel":
		s.requirePost(w, r, domain.PermissionSessionCancel, s.cancelSession(id))
	case "analyze":
		s.requirePost(w, r, domain.PermissionSessionUpdate, s.analyzeSession(id))
	case "release":
		s.requirePost(w, r, domain.PermissionStagingRelease, s.releaseStaging(id))
	case "certificate":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		s.auth.RequireAgentToken(s.fetchCertificate(id))(w, r)
	case "staging":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		s.auth.RequireAgentToken(s.stagingDirections(id))(w, r)
	case "state":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		s.auth.RequireAgentToken(s.sessionState(id))(w, r)
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session action"})
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, perm domain.Permission, next http.HandlerFunc) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(perm, next)(w, r)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	session, err := s.cloneService.CreateSession(r.Context(), clone.CreateSessionRequest{
		Name:             body.Name,
		Mode:             domain.CloneMode(body.Mode),
		SourceNodeID:     body.SourceNodeID,
		TargetNodeID:     body.TargetNodeID,
		SourceDevice:     body.SourceDevice,
		TargetDevice:     body.TargetDevice,
		ResizeMode:       domain.ResizeMode(body.ResizeMode),
		Retain:           body.Retain,
		ReuseStagingFrom: body.ReuseStagingFrom,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.audit(r, domain.AuditActionCreate, "session", session.ID, nil)
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := clone.SessionFilter{
		Status: domain.SessionStatus(q.Get("status")),
		Mode:   domain.CloneMode(q.Get("mode")),
		NodeID: q.Get("node_id"),
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	sessions, total, err := s.cloneService.ListSessions(r.Context(), filter, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.CloneSession{}
	}
	s.writeJSON(w, http.StatusOK, sessionListResponse{Sessions: sessions, Total: total})
}

func (s *Server) getSession(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.cloneService.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) deleteSession(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cloneService.DeleteSession(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionDelete, "session", id, nil)
		s.writeJSON(w, http.StatusNoContent, nil)
	}
}

func (s *Server) assignTarget(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body assignTargetBody
		if !s.decodeBody(w, r, &body) {
			return
		}
		session, err := s.cloneService.AssignTarget(r.Context(), id, body.TargetNodeID, body.TargetDevice)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionUpdate, "session", id, map[string]interface{}{
			"target_node_id": body.TargetNodeID,
		})
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) startSession(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.cloneService.StartSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionStart, "session", id, nil)
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) cancelSession(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.cloneService.CancelSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionCancel, "session", id, nil)
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) analyzeSession(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.cloneService.AnalyzeResize(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionAnalyze, "session", id, nil)
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) releaseStaging(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.cloneService.ReleaseStaging(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionRelease, "session", id, nil)
		s.writeJSON(w, http.StatusOK, session)
	}
}

// fetchCertificate hands the session's certificate bundle to an agent. The
// agent's token must have been minted for this exact session and role.
func (s *Server) fetchCertificate(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.AgentClaimsFrom(r.Context())
		if !ok || claims.SessionID != id {
			s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "token not valid for this session"})
			return
		}

		role := domain.CertificateRole(r.URL.Query().Get("role"))
		if !role.Valid() {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "role must be source or target"})
			return
		}
		if claims.CertificateRole() != role {
			s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "token not valid for this role"})
			return
		}

		bundle, err := s.cloneService.FetchCertificateBundle(r.Context(), id, role)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, bundle)
	}
}

// sessionState gives an agent its session's current snapshot: mode,
// devices, the direct-mode peer endpoint and staging status. Certificate
// key material never appears in the snapshot.
func (s *Server) sessionState(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.AgentClaimsFrom(r.Context())
		if !ok || claims.SessionID != id {
			s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "token not valid for this session"})
			return
		}

		session, err := s.cloneService.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

// stagingDirections tells an agent where its session's staged image lives.
func (s *Server) stagingDirections(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.AgentClaimsFrom(r.Context())
		if !ok || claims.SessionID != id {
			s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "token not valid for this session"})
			return
		}

		dirs, err := s.cloneService.StagingDirections(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, dirs)
	}
}

// audit records an operator action. Failures are logged inside the auth
// service and never fail the request.
func (s *Server) audit(r *http.Request, action domain.AuditAction, resourceType, resourceID string, details map[string]interface{}) {
	key, ok := middleware.APIKeyFrom(r.Context())
	if !ok {
		return
	}
	s.authService.Audit(r.Context(), &domain.AuditEntry{
		KeyID:        key.ID,
		KeyName:      key.Name,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    r.RemoteAddr,
	})
}

func pagination(limitStr, offsetStr string) (int, int) {
	limit, _ := strconv.Atoi(limitStr)
	offset, _ := strconv.Atoi(offsetStr)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
