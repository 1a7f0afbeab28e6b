package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/repository/etcd"
	"github.com/ironpxe/ironpxe/internal/services/auth"
)

type createKeyBody struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// createKeyResponse carries the plaintext key exactly once; it is never
// stored or returned again.
type createKeyResponse struct {
	Key       *domain.APIKey `json:"key"`
	Plaintext string         `json:"plaintext"`
}

type keyListResponse struct {
	Keys  []*domain.APIKey `json:"keys"`
	Total int              `json:"total"`
}

type setEnabledBody struct {
	Enabled bool `json:"enabled"`
}

type auditListResponse struct {
	Entries []*domain.AuditEntry `json:"entries"`
	Total   int                  `json:"total"`
}

// handleAdminKeys serves the /api/v1/admin/keys collection.
func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.auth.RequireAPIKey(domain.PermissionKeyCreate, s.createKey)(w, r)
	case http.MethodGet:
		s.auth.RequireAPIKey(domain.PermissionKeyRead, s.listKeys)(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

// handleAdminKeyItem routes /api/v1/admin/keys/{id}[/enabled].
func (s *Server) handleAdminKeyItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/keys/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "key id required"})
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
			s.auth.RequireAPIKey(domain.PermissionKeyRead, s.getKey(id))(w, r)
		case http.MethodDelete:
			s.auth.RequireAPIKey(domain.PermissionKeyDelete, s.deleteKey(id))(w, r)
		default:
			s.methodNotAllowed(w)
		}
	case "enabled":
		if r.Method != http.MethodPut {
			s.methodNotAllowed(w)
			return
		}
		s.auth.RequireAPIKey(domain.PermissionKeyCreate, s.setKeyEnabled(id))(w, r)
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown key action"})
	}
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyBody
	if !s.decodeBody(w, r, &body) {
		return
	}

	key, plaintext, err := s.authService.CreateAPIKey(r.Context(), body.Name, domain.Role(body.Role))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.audit(r, domain.AuditActionCreate, "api_key", key.ID, map[string]interface{}{
		"name": key.Name,
		"role": string(key.Role),
	})
	s.writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Plaintext: plaintext})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))

	keys, total, err := s.authService.ListAPIKeys(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyListResponse{Keys: keys, Total: total})
}

func (s *Server) getKey(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := s.authService.GetAPIKey(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, key)
	}
}

func (s *Server) deleteKey(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authService.DeleteAPIKey(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionDelete, "api_key", id, nil)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) setKeyEnabled(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body setEnabledBody
		if !s.decodeBody(w, r, &body) {
			return
		}

		key, err := s.authService.SetAPIKeyEnabled(r.Context(), id, body.Enabled)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionUpdate, "api_key", id, map[string]interface{}{
			"enabled": body.Enabled,
		})
		s.writeJSON(w, http.StatusOK, key)
	}
}

type replicaListResponse struct {
	Replicas []etcd.ReplicaState `json:"replicas"`
}

// handleAdminReplicas serves GET /api/v1/admin/replicas: the control plane
// instances currently registered in etcd. Without etcd there is exactly one
// replica, this one, and the list is empty.
func (s *Server) handleAdminReplicas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(domain.PermissionSystemConfig, func(w http.ResponseWriter, r *http.Request) {
		replicas := []etcd.ReplicaState{}
		if s.etcd != nil {
			list, err := s.etcd.GetReplicas(r.Context())
			if err != nil {
				s.writeError(w, err)
				return
			}
			if list != nil {
				replicas = list
			}
		}
		s.writeJSON(w, http.StatusOK, replicaListResponse{Replicas: replicas})
	})(w, r)
}

// handleAdminAudit serves GET /api/v1/admin/audit.
func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(domain.PermissionSystemAudit, s.listAudit)(w, r)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auth.AuditFilter{
		KeyID:        q.Get("key_id"),
		Action:       domain.AuditAction(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid start_time, want RFC 3339"})
			return
		}
		filter.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid end_time, want RFC 3339"})
			return
		}
		filter.EndTime = &t
	}
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	entries, total, err := s.authService.ListAudit(r.Context(), filter, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auditListResponse{Entries: entries, Total: total})
}
