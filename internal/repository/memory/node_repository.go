package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/node"
)

// Ensure NodeRepository implements node.Repository
var _ node.Repository = (*NodeRepository)(nil)

// NodeRepository is an in-memory implementation of the node directory.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Node
}

// NewNodeRepository creates a new in-memory node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.Node),
	}
}

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	for _, existing := range r.data {
		if existing.MACAddress == n.MACAddress {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	stored := cloneNode(n)
	r.data[stored.ID] = stored
	return cloneNode(stored), nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNode(n), nil
}

// GetByMAC retrieves a node by its canonical MAC address.
func (r *NodeRepository) GetByMAC(ctx context.Context, mac string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.data {
		if n.MACAddress == mac {
			return cloneNode(n), nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns nodes matching the filter sorted by hostname.
func (r *NodeRepository) List(ctx context.Context, filter node.Filter, limit, offset int) ([]*domain.Node, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.Node
	for _, n := range r.data {
		if filter.Phase != "" && n.Phase != filter.Phase {
			continue
		}
		if filter.Hostname != "" && !strings.Contains(n.Hostname, filter.Hostname) {
			continue
		}
		matched = append(matched, n)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Hostname < matched[j].Hostname })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	result := make([]*domain.Node, len(matched))
	for i, n := range matched {
		result[i] = cloneNode(n)
	}
	return result, total, nil
}

// Update replaces a stored node.
func (r *NodeRepository) Update(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[n.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	stored := cloneNode(n)
	r.data[stored.ID] = stored
	return cloneNode(stored), nil
}

// Delete removes a node.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func cloneNode(n *domain.Node) *domain.Node {
	c := *n
	if n.Labels != nil {
		c.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			c.Labels[k] = v
		}
	}
	if n.LastHeartbeat != nil {
		t := *n.LastHeartbeat
		c.LastHeartbeat = &t
	}
	return &c
}
