package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/partition"
)

// Ensure OperationRepository implements partition.OperationRepository
var _ partition.OperationRepository = (*OperationRepository)(nil)

// OperationRepository is an in-memory implementation of the partition
// operation repository.
type OperationRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.PartitionOperation
}

// NewOperationRepository creates a new in-memory operation repository.
func NewOperationRepository() *OperationRepository {
	return &OperationRepository{
		data: make(map[string]*domain.PartitionOperation),
	}
}

// Create stores a new operation.
func (r *OperationRepository) Create(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if _, ok := r.data[op.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	stored := cloneOperation(op)
	r.data[stored.ID] = stored
	return cloneOperation(stored), nil
}

// Get retrieves an operation by ID.
func (r *OperationRepository) Get(ctx context.Context, id string) (*domain.PartitionOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOperation(op), nil
}

// List returns operations matching the filter in sequence order.
func (r *OperationRepository) List(ctx context.Context, filter partition.OperationFilter) ([]*domain.PartitionOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.PartitionOperation
	for _, op := range r.data {
		if filter.NodeID != "" && op.NodeID != filter.NodeID {
			continue
		}
		if filter.Device != "" && op.Device != filter.Device {
			continue
		}
		if filter.SessionID != "" && op.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneOperation(op))
	}

	sortOperations(matched)
	return matched, nil
}

// ListByDevice returns the full queue for one device in sequence order.
func (r *OperationRepository) ListByDevice(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error) {
	return r.List(ctx, partition.OperationFilter{NodeID: nodeID, Device: device})
}

// Update replaces a stored operation.
func (r *OperationRepository) Update(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[op.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	op.UpdatedAt = time.Now()

	stored := cloneOperation(op)
	r.data[stored.ID] = stored
	return cloneOperation(stored), nil
}

// Delete removes an operation.
func (r *OperationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// NextSequence returns the next queue position for a device.
func (r *OperationRepository) NextSequence(ctx context.Context, nodeID, device string) (int32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var max int32
	for _, op := range r.data {
		if op.NodeID == nodeID && op.Device == device && op.Sequence > max {
			max = op.Sequence
		}
	}
	return max + 1, nil
}

func sortOperations(ops []*domain.PartitionOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Sequence != ops[j].Sequence {
			return ops[i].Sequence < ops[j].Sequence
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// cloneOperation copies an operation. Params values are immutable once
// decoded, so the interface value is shared.
func cloneOperation(op *domain.PartitionOperation) *domain.PartitionOperation {
	c := *op
	return &c
}
