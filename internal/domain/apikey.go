// This file defines operator credentials and audit domain models.
package domain

import (
	"time"
)

// Role represents an operator's role in the system.
type Role string

const (
	RoleAdmin    Role = "admin"    // Full system access
	RoleOperator Role = "operator" // Can manage clone sessions, nodes, operations
	RoleViewer   Role = "viewer"   // Read-only access
)

// APIKey represents an operator credential. The plaintext secret is shown
// once at creation time and only its bcrypt hash is stored.
type APIKey struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Prefix is the public part of the key used to look it up during
	// verification.
	Prefix     string     `json:"prefix"`
	SecretHash string     `json:"-"`
	Role       Role       `json:"role"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// IsAdmin returns true if the key has admin role.
func (k *APIKey) IsAdmin() bool {
	return k.Role == RoleAdmin
}

// CanManage returns true if the key can mutate resources.
func (k *APIKey) CanManage() bool {
	return k.Role == RoleAdmin || k.Role == RoleOperator
}

// CanView returns true if the key can read resources.
func (k *APIKey) CanView() bool {
	return k.Enabled
}

// Permission represents a specific action on a resource type.
type Permission string

const (
	// Clone session permissions
	PermissionSessionCreate Permission = "session:create"
	PermissionSessionRead   Permission = "session:read"
	PermissionSessionUpdate Permission = "session:update"
	PermissionSessionCancel Permission = "session:cancel"

	// Node permissions
	PermissionNodeRegister Permission = "node:register"
	PermissionNodeRead     Permission = "node:read"
	PermissionNodeUpdate   Permission = "node:update"
	PermissionNodeDelete   Permission = "node:delete"

	// Partition operation permissions
	PermissionOperationQueue Permission = "operation:queue"
	PermissionOperationRead  Permission = "operation:read"
	PermissionOperationApply Permission = "operation:apply"

	// Staging permissions
	PermissionStagingRead    Permission = "staging:read"
	PermissionStagingRelease Permission = "staging:release"

	// Key permissions
	PermissionKeyCreate Permission = "key:create"
	PermissionKeyRead   Permission = "key:read"
	PermissionKeyDelete Permission = "key:delete"

	// System permissions
	PermissionSystemConfig Permission = "system:config"
	PermissionSystemAudit  Permission = "system:audit"
)

// RolePermissions defines which permissions each role has.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionSessionCreate, PermissionSessionRead, PermissionSessionUpdate, PermissionSessionCancel,
		PermissionNodeRegister, PermissionNodeRead, PermissionNodeUpdate, PermissionNodeDelete,
		PermissionOperationQueue, PermissionOperationRead, PermissionOperationApply,
		PermissionStagingRead, PermissionStagingRelease,
		PermissionKeyCreate, PermissionKeyRead, PermissionKeyDelete,
		PermissionSystemConfig, PermissionSystemAudit,
	},
	RoleOperator: {
		PermissionSessionCreate, PermissionSessionRead, PermissionSessionUpdate, PermissionSessionCancel,
		PermissionNodeRead, PermissionNodeUpdate,
		PermissionOperationQueue, PermissionOperationRead, PermissionOperationApply,
		PermissionStagingRead, PermissionStagingRelease,
		PermissionKeyRead,
	},
	RoleViewer: {
		PermissionSessionRead,
		PermissionNodeRead,
		PermissionOperationRead,
		PermissionStagingRead,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, permission Permission) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// AuditAction represents an auditable operator action.
type AuditAction string

const (
	AuditActionCreate  AuditAction = "CREATE"
	AuditActionUpdate  AuditAction = "UPDATE"
	AuditActionDelete  AuditAction = "DELETE"
	AuditActionStart   AuditAction = "START"
	AuditActionCancel  AuditAction = "CANCEL"
	AuditActionApply   AuditAction = "APPLY"
	AuditActionRelease AuditAction = "RELEASE"
	AuditActionAnalyze AuditAction = "ANALYZE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID           string                 `json:"id"`
	KeyID        string                 `json:"key_id"`
	KeyName      string                 `json:"key_name"`
	Action       AuditAction            `json:"action"`
	ResourceType string                 `json:"resource_type"` // session, node, operation, key
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address"`
	CreatedAt    time.Time              `json:"created_at"`
}
