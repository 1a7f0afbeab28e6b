package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/disk"
)

// Ensure DiskRepository implements disk.Repository
var _ disk.Repository = (*DiskRepository)(nil)

// DiskRepository is an in-memory store of the latest disk scan per
// (node, device).
type DiskRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.DiskInfo
}

// NewDiskRepository creates a new in-memory disk repository.
func NewDiskRepository() *DiskRepository {
	return &DiskRepository{
		data: make(map[string]*domain.DiskInfo),
	}
}

// Upsert stores a scan, replacing any previous scan of the same device.
func (r *DiskRepository) Upsert(ctx context.Context, d *domain.DiskInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[diskKey(d.NodeID, d.Device)] = cloneDisk(d)
	return nil
}

// Get retrieves the latest scan for a device.
func (r *DiskRepository) Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.data[diskKey(nodeID, device)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneDisk(d), nil
}

// ListByNode returns all known disks of a node sorted by device path.
func (r *DiskRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.DiskInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var disks []*domain.DiskInfo
	for _, d := range r.data {
		if d.NodeID == nodeID {
			disks = append(disks, cloneDisk(d))
		}
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Device < disks[j].Device })
	return disks, nil
}

func diskKey(nodeID, device string) string {
	return nodeID + "|" + device
}

func cloneDisk(d *domain.DiskInfo) *domain.DiskInfo {
	c := *d
	if d.Partitions != nil {
		c.Partitions = make([]domain.Partition, len(d.Partitions))
		copy(c.Partitions, d.Partitions)
		for i := range c.Partitions {
			if d.Partitions[i].UsedBytes != nil {
				used := *d.Partitions[i].UsedBytes
				c.Partitions[i].UsedBytes = &used
			}
			if d.Partitions[i].Flags != nil {
				flags := make([]string, len(d.Partitions[i].Flags))
				copy(flags, d.Partitions[i].Flags)
				c.Partitions[i].Flags = flags
			}
		}
	}
	return &c
}
