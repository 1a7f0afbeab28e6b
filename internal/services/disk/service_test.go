package disk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// MockRepository is an in-memory implementation of Repository.
type MockRepository struct {
	mu    sync.Mutex
	disks map[string]*domain.DiskInfo
	gets  int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{disks: make(map[string]*domain.DiskInfo)}
}

func key(nodeID, device string) string { return nodeID + "/" + device }

func (m *MockRepository) Upsert(ctx context.Context, disk *domain.DiskInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *disk
	m.disks[key(disk.NodeID, disk.Device)] = &cp
	return nil
}

func (m *MockRepository) Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	disk, ok := m.disks[key(nodeID, device)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *disk
	return &cp, nil
}

func (m *MockRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.DiskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DiskInfo
	for _, disk := range m.disks {
		if disk.NodeID == nodeID {
			cp := *disk
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockRepository) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// MockCache is an in-memory Cache that ignores TTLs.
type MockCache struct {
	mu    sync.Mutex
	disks map[string]*domain.DiskInfo
	sets  int
}

func NewMockCache() *MockCache {
	return &MockCache{disks: make(map[string]*domain.DiskInfo)}
}

func (m *MockCache) GetDisk(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	disk, ok := m.disks[key(nodeID, device)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *disk
	return &cp, nil
}

func (m *MockCache) SetDisk(ctx context.Context, disk *domain.DiskInfo, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *disk
	m.disks[key(disk.NodeID, disk.Device)] = &cp
	m.sets++
	return nil
}

func (m *MockCache) DeleteDisk(ctx context.Context, nodeID, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disks, key(nodeID, device))
	return nil
}

func scanAt(nodeID, device string, sizeBytes int64, at time.Time) *domain.DiskInfo {
	return &domain.DiskInfo{
		NodeID:         nodeID,
		Device:         device,
		SizeBytes:      sizeBytes,
		PartitionTable: domain.PartitionTableGPT,
		ScannedAt:      at,
	}
}

func TestIngestValidation(t *testing.T) {
	svc := NewService(NewMockRepository(), nil, nil, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	err := svc.Ingest(ctx, &domain.DiskInfo{Device: "/dev/sda", SizeBytes: 1})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing node, got %v", err)
	}
	err = svc.Ingest(ctx, &domain.DiskInfo{NodeID: "n1", Device: "/dev/sda"})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero size, got %v", err)
	}
}

func TestIngestDropsStaleScan(t *testing.T) {
	repo := NewMockRepository()
	svc := NewService(repo, nil, nil, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	if err := svc.Ingest(ctx, scanAt("n1", "/dev/sda", 100<<30, now)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// A delayed report from before the current snapshot must not roll the
	// record back.
	if err := svc.Ingest(ctx, scanAt("n1", "/dev/sda", 50<<30, now.Add(-time.Minute))); err != nil {
		t.Fatalf("stale Ingest: %v", err)
	}

	got, err := svc.Get(ctx, "n1", "/dev/sda")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SizeBytes != 100<<30 {
		t.Errorf("stale scan overwrote the snapshot: %d", got.SizeBytes)
	}

	// A newer scan replaces it.
	if err := svc.Ingest(ctx, scanAt("n1", "/dev/sda", 200<<30, now.Add(time.Minute))); err != nil {
		t.Fatalf("newer Ingest: %v", err)
	}
	got, _ = svc.Get(ctx, "n1", "/dev/sda")
	if got.SizeBytes != 200<<30 {
		t.Errorf("newer scan not stored: %d", got.SizeBytes)
	}
}

func TestGetReadsThroughCache(t *testing.T) {
	repo := NewMockRepository()
	cache := NewMockCache()
	svc := NewService(repo, cache, nil, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	if err := svc.Ingest(ctx, scanAt("n1", "/dev/sda", 100<<30, time.Now())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Ingest primes the cache, so reads never reach the repository.
	before := repo.getCount()
	for i := 0; i < 3; i++ {
		if _, err := svc.Get(ctx, "n1", "/dev/sda"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if repo.getCount() != before {
		t.Errorf("cached reads hit the repository %d times", repo.getCount()-before)
	}

	// A cache miss falls through to the repository and repopulates.
	if err := cache.DeleteDisk(ctx, "n1", "/dev/sda"); err != nil {
		t.Fatalf("DeleteDisk: %v", err)
	}
	got, err := svc.Get(ctx, "n1", "/dev/sda")
	if err != nil {
		t.Fatalf("Get after eviction: %v", err)
	}
	if got.SizeBytes != 100<<30 {
		t.Errorf("unexpected scan from fallback read: %d", got.SizeBytes)
	}
	if _, err := cache.GetDisk(ctx, "n1", "/dev/sda"); err != nil {
		t.Error("fallback read should repopulate the cache")
	}
}

func TestGetWithoutCache(t *testing.T) {
	repo := NewMockRepository()
	svc := NewService(repo, nil, nil, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Get(ctx, "n1", "/dev/sda"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := svc.Ingest(ctx, scanAt("n1", "/dev/sda", 10<<30, time.Now())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	got, err := svc.Get(ctx, "n1", "/dev/sda")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SizeBytes != 10<<30 {
		t.Errorf("unexpected size %d", got.SizeBytes)
	}
}

func TestListByNode(t *testing.T) {
	repo := NewMockRepository()
	svc := NewService(repo, nil, nil, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	for _, device := range []string{"/dev/sda", "/dev/sdb"} {
		if err := svc.Ingest(ctx, scanAt("n1", device, 10<<30, now)); err != nil {
			t.Fatalf("Ingest %s: %v", device, err)
		}
	}
	if err := svc.Ingest(ctx, scanAt("n2", "/dev/sda", 10<<30, now)); err != nil {
		t.Fatalf("Ingest n2: %v", err)
	}

	disks, err := svc.ListByNode(ctx, "n1")
	if err != nil {
		t.Fatalf("ListByNode: %v", err)
	}
	if len(disks) != 2 {
		t.Errorf("expected 2 disks for n1, got %d", len(disks))
	}
}
