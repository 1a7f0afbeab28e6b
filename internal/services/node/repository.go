// Package node provides the node directory for the control plane: the
// inventory of boot agents known from PXE discovery and their heartbeats.
package node

import (
	"context"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// Repository defines the data access interface for nodes.
type Repository interface {
	// Create stores a new node and returns the created entity.
	Create(ctx context.Context, node *domain.Node) (*domain.Node, error)

	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*domain.Node, error)

	// GetByMAC retrieves a node by its primary MAC address.
	GetByMAC(ctx context.Context, mac string) (*domain.Node, error)

	// List returns nodes matching the filter.
	List(ctx context.Context, filter Filter, limit int, offset int) ([]*domain.Node, int, error)

	// Update updates an existing node.
	Update(ctx context.Context, node *domain.Node) (*domain.Node, error)

	// Delete removes a node by ID.
	Delete(ctx context.Context, id string) error
}

// Filter defines filtering options for listing nodes.
type Filter struct {
	// Phase filters by lifecycle phase.
	Phase domain.NodePhase

	// Hostname filters by exact hostname.
	Hostname string
}
