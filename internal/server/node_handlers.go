package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/node"
	"github.com/ironpxe/ironpxe/internal/services/partition"
)

type nodeListResponse struct {
	Nodes []*domain.Node `json:"nodes"`
	Total int            `json:"total"`
}

type setPhaseBody struct {
	Phase string `json:"phase"`
}

// queueOperationBody carries one operation to queue. Params are decoded in
// a second pass once the operation type is known.
type queueOperationBody struct {
	SessionID string          `json:"session_id,omitempty"`
	Device    string          `json:"device"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

type operationListResponse struct {
	Operations []*domain.PartitionOperation `json:"operations"`
}

// handleNodeRegister serves POST /api/v1/nodes/register. Registration and
// heartbeats come from the PXE deploy network before any credentials exist,
// so they are deliberately unauthenticated; everything an agent can do with
// a session requires a per-session token.
func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req node.RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	registered, err := s.nodeService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, registered)
}

// handleNodeCollection serves GET /api/v1/nodes.
func (s *Server) handleNodeCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(domain.PermissionNodeRead, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := node.Filter{
			Phase:    domain.NodePhase(q.Get("phase")),
			Hostname: q.Get("hostname"),
		}
		limit, offset := pagination(q.Get("limit"), q.Get("offset"))

		nodes, total, err := s.nodeService.ListNodes(r.Context(), filter, limit, offset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if nodes == nil {
			nodes = []*domain.Node{}
		}
		s.writeJSON(w, http.StatusOK, nodeListResponse{Nodes: nodes, Total: total})
	})(w, r)
}

// handleNodeItem routes /api/v1/nodes/{id}[/...]: node detail, heartbeat,
// phase changes, the disk surface, and the operation queue.
func (s *Server) handleNodeItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	parts := strings.Split(rest, "/")
	nodeID := parts[0]
	if nodeID == "" {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "node id required"})
		return
	}
	tail := parts[1:]

	switch {
	case len(tail) == 0:
		s.nodeDetail(w, r, nodeID)
	case tail[0] == "heartbeat" && len(tail) == 1:
		s.nodeHeartbeat(w, r, nodeID)
	case tail[0] == "phase" && len(tail) == 1:
		s.nodePhase(w, r, nodeID)
	case tail[0] == "disks":
		s.nodeDisks(w, r, nodeID, tail[1:])
	case tail[0] == "operations" && len(tail) == 1:
		s.nodeOperations(w, r, nodeID)
	case tail[0] == "devices" && len(tail) == 3 && tail[2] == "apply":
		s.applyOperations(w, r, nodeID, tail[1])
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown node route"})
	}
}

func (s *Server) nodeDetail(w http.ResponseWriter, r *http.Request, nodeID string) {
	switch r.Method {
	case http.MethodGet:
		s.auth.RequireAPIKey(domain.PermissionNodeRead, func(w http.ResponseWriter, r *http.Request) {
			n, err := s.nodeService.GetNode(r.Context(), nodeID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, n)
		})(w, r)
	case http.MethodDelete:
		s.auth.RequireAPIKey(domain.PermissionNodeDelete, func(w http.ResponseWriter, r *http.Request) {
			if err := s.nodeService.DeleteNode(r.Context(), nodeID); err != nil {
				s.writeError(w, err)
				return
			}
			s.audit(r, domain.AuditActionDelete, "node", nodeID, nil)
			s.writeJSON(w, http.StatusNoContent, nil)
		})(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

// nodeHeartbeat is agent-facing and unauthenticated, like registration.
func (s *Server) nodeHeartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	n, err := s.nodeService.Heartbeat(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) nodePhase(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPut {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(domain.PermissionNodeUpdate, func(w http.ResponseWriter, r *http.Request) {
		var body setPhaseBody
		if !s.decodeBody(w, r, &body) {
			return
		}
		n, err := s.nodeService.SetPhase(r.Context(), nodeID, domain.NodePhase(body.Phase))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionUpdate, "node", nodeID, map[string]interface{}{"phase": body.Phase})
		s.writeJSON(w, http.StatusOK, n)
	})(w, r)
}

// nodeDisks serves the disk surface under /api/v1/nodes/{id}/disks[/...].
func (s *Server) nodeDisks(w http.ResponseWriter, r *http.Request, nodeID string, tail []string) {
	switch {
	case len(tail) == 0:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		s.auth.RequireAPIKey(domain.PermissionNodeRead, func(w http.ResponseWriter, r *http.Request) {
			disks, err := s.diskService.ListByNode(r.Context(), nodeID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if disks == nil {
				disks = []*domain.DiskInfo{}
			}
			s.writeJSON(w, http.StatusOK, disks)
		})(w, r)
	case len(tail) == 1:
		device := "/dev/" + tail[0]
		switch r.Method {
		case http.MethodPut:
			// Scan ingestion from the agent; unauthenticated like
			// registration.
			var scan domain.DiskInfo
			if !s.decodeBody(w, r, &scan) {
				return
			}
			scan.NodeID = nodeID
			scan.Device = device
			if err := s.diskService.Ingest(r.Context(), &scan); err != nil {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusNoContent, nil)
		case http.MethodGet:
			s.auth.RequireAPIKey(domain.PermissionNodeRead, func(w http.ResponseWriter, r *http.Request) {
				d, err := s.diskService.Get(r.Context(), nodeID, device)
				if err != nil {
					s.writeError(w, err)
					return
				}
				s.writeJSON(w, http.StatusOK, d)
			})(w, r)
		default:
			s.methodNotAllowed(w)
		}
	case len(tail) == 2 && tail[1] == "rescan":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w)
			return
		}
		device := "/dev/" + tail[0]
		s.auth.RequireAPIKey(domain.PermissionNodeUpdate, func(w http.ResponseWriter, r *http.Request) {
			d, err := s.diskService.Refresh(r.Context(), nodeID, device)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, d)
		})(w, r)
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown disk route"})
	}
}

// nodeOperations serves the operation queue for one node.
func (s *Server) nodeOperations(w http.ResponseWriter, r *http.Request, nodeID string) {
	switch r.Method {
	case http.MethodPost:
		s.auth.RequireAPIKey(domain.PermissionOperationQueue, func(w http.ResponseWriter, r *http.Request) {
			var body queueOperationBody
			if !s.decodeBody(w, r, &body) {
				return
			}

			opType := domain.OperationType(body.Operation)
			// Moves exist to make room during a planned shrink; only resize
			// plans emit them. The queue itself stays permissive because
			// plan materialization goes through the same service.
			if opType == domain.OperationMove {
				s.writeError(w, domain.NewValidationError("move operations are generated by resize plans and cannot be queued directly"))
				return
			}
			params, err := domain.DecodeOperationParams(opType, body.Params)
			if err != nil {
				s.writeError(w, err)
				return
			}

			op, err := s.partitionService.Queue(r.Context(), partition.QueueRequest{
				NodeID:    nodeID,
				SessionID: body.SessionID,
				Device:    body.Device,
				Operation: opType,
				Params:    params,
			})
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.audit(r, domain.AuditActionCreate, "operation", op.ID, map[string]interface{}{
				"device":    body.Device,
				"operation": body.Operation,
			})
			s.writeJSON(w, http.StatusCreated, op)
		})(w, r)
	case http.MethodGet:
		s.auth.RequireAPIKey(domain.PermissionOperationRead, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			ops, err := s.partitionService.List(r.Context(), partition.OperationFilter{
				NodeID:    nodeID,
				Device:    q.Get("device"),
				SessionID: q.Get("session_id"),
				Status:    domain.OperationStatus(q.Get("status")),
			})
			if err != nil {
				s.writeError(w, err)
				return
			}
			if ops == nil {
				ops = []*domain.PartitionOperation{}
			}
			s.writeJSON(w, http.StatusOK, operationListResponse{Operations: ops})
		})(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

// applyOperations drains one device's queue in order.
func (s *Server) applyOperations(w http.ResponseWriter, r *http.Request, nodeID, device string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	s.auth.RequireAPIKey(domain.PermissionOperationApply, func(w http.ResponseWriter, r *http.Request) {
		ops, err := s.partitionService.Apply(r.Context(), nodeID, "/dev/"+device)
		if err != nil {
			// Partial progress is already persisted; the queue listing
			// shows which operations completed before the halt.
			s.writeError(w, err)
			return
		}
		s.audit(r, domain.AuditActionApply, "operation", nodeID+":"+device, nil)
		if ops == nil {
			ops = []*domain.PartitionOperation{}
		}
		s.writeJSON(w, http.StatusOK, operationListResponse{Operations: ops})
	})(w, r)
}
