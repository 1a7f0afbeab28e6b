// Package partition provides tests for the operation queue and executor.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/metrics"
)

// MockOperationRepository is an in-memory implementation of OperationRepository.
type MockOperationRepository struct {
	mu  sync.Mutex
	ops map[string]*domain.PartitionOperation
}

func NewMockOperationRepository() *MockOperationRepository {
	return &MockOperationRepository{ops: make(map[string]*domain.PartitionOperation)}
}

func (m *MockOperationRepository) Create(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops[op.ID] = &cp
	return op, nil
}

func (m *MockOperationRepository) Get(ctx context.Context, id string) (*domain.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MockOperationRepository) List(ctx context.Context, filter OperationFilter) ([]*domain.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PartitionOperation
	for _, op := range m.ops {
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
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MockOperationRepository) ListByDevice(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error) {
	return m.List(ctx, OperationFilter{NodeID: nodeID, Device: device})
}

func (m *MockOperationRepository) Update(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	cp := *op
	m.ops[op.ID] = &cp
	return op, nil
}

func (m *MockOperationRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.ops, id)
	return nil
}

func (m *MockOperationRepository) NextSequence(ctx context.Context, nodeID, device string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int32
	for _, op := range m.ops {
		if op.NodeID == nodeID && op.Device == device && op.Sequence > max {
			max = op.Sequence
		}
	}
	return max + 1, nil
}

// MockDiskRepository serves a fixed scan.
type MockDiskRepository struct {
	disks map[string]*domain.DiskInfo
}

func NewMockDiskRepository() *MockDiskRepository {
	return &MockDiskRepository{disks: make(map[string]*domain.DiskInfo)}
}

func (m *MockDiskRepository) Put(disk *domain.DiskInfo) {
	m.disks[disk.NodeID+"/"+disk.Device] = disk
}

func (m *MockDiskRepository) Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	disk, ok := m.disks[nodeID+"/"+device]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return disk, nil
}

// MockTool records executions and fails on demand.
type MockTool struct {
	mu       sync.Mutex
	executed []string
	failOn   map[string]error
}

func NewMockTool() *MockTool {
	return &MockTool{failOn: make(map[string]error)}
}

func (m *MockTool) FailOn(opID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[opID] = err
}

func (m *MockTool) Execute(ctx context.Context, op *domain.PartitionOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, op.ID)
	if err, ok := m.failOn[op.ID]; ok {
		return err
	}
	return nil
}

func (m *MockTool) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	copy(out, m.executed)
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func testDisk() *domain.DiskInfo {
	return &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      100 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 10 << 30, SizeBytes: 10 << 30, Filesystem: "vfat", Flags: []string{"boot", "esp"}},
			{Number: 2, StartBytes: 10<<30 + 1<<20, EndBytes: 90 << 30, SizeBytes: 80 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(40 << 30), Mountpoint: "/"},
			{Number: 3, StartBytes: 90<<30 + 1<<20, EndBytes: 100 << 30, SizeBytes: 10 << 30, Filesystem: "xfs"},
		},
	}
}

func newTestService() (*Service, *MockOperationRepository, *MockDiskRepository, *MockTool) {
	repo := NewMockOperationRepository()
	disks := NewMockDiskRepository()
	disks.Put(testDisk())
	tool := NewMockTool()
	svc := NewService(repo, disks, tool, nil, zap.NewNop())
	return svc, repo, disks, tool
}

func TestQueue_ValidResize(t *testing.T) {
	svc, _, _, _ := newTestService()

	op, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: 2, NewSizeBytes: 60 << 30},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if op.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", op.Sequence)
	}
	if op.Status != domain.OperationStatusPending {
		t.Errorf("Expected pending status, got %s", op.Status)
	}

	second, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if second.Sequence != 2 {
		t.Errorf("Expected sequence 2, got %d", second.Sequence)
	}
}

func TestQueue_RejectsResizeBelowMinimum(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: 2, NewSizeBytes: 1 << 30},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestQueue_RejectsFormatOfMountedPartition(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationFormat,
		Params:    domain.FormatParams{Partition: 2, Filesystem: "ext4"},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for mounted partition, got %v", err)
	}
}

func TestQueue_BootFlagDeleteNeedsOverride(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationDelete,
		Params:    domain.DeleteParams{Partition: 1},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for boot partition delete, got %v", err)
	}

	if _, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationDelete,
		Params:    domain.DeleteParams{Partition: 1, Override: true},
	}); err != nil {
		t.Fatalf("Expected override to permit delete, got %v", err)
	}
}

func TestQueue_RejectsUnknownPartition(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: 9, NewSizeBytes: 1 << 30},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for unknown partition, got %v", err)
	}
}

func TestQueue_RejectsWithoutScan(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-b",
		Device:    "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 1, Flag: "boot", Value: true},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError without a scan, got %v", err)
	}
}

func TestQueue_RejectsMismatchedParams(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Queue(context.Background(), QueueRequest{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.DeleteParams{Partition: 2},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for mismatched params, got %v", err)
	}
}

func TestApply_RunsInSequenceOrder(t *testing.T) {
	svc, _, _, tool := newTestService()
	ctx := context.Background()

	first, _ := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	})
	second, _ := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: 2, NewSizeBytes: 60 << 30},
	})

	processed, err := svc.Apply(ctx, "node-a", "/dev/sda")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(processed) != 2 {
		t.Fatalf("Expected 2 processed operations, got %d", len(processed))
	}
	for _, op := range processed {
		if op.Status != domain.OperationStatusCompleted {
			t.Errorf("Expected completed, got %s for %s", op.Status, op.ID)
		}
	}

	executed := tool.Executed()
	if len(executed) != 2 || executed[0] != first.ID || executed[1] != second.ID {
		t.Errorf("Expected execution order [%s %s], got %v", first.ID, second.ID, executed)
	}
}

func TestApply_HaltsOnFirstFailure(t *testing.T) {
	svc, repo, _, tool := newTestService()
	ctx := context.Background()

	ops := make([]*domain.PartitionOperation, 0, 3)
	for i := 0; i < 3; i++ {
		op, err := svc.Queue(ctx, QueueRequest{
			NodeID: "node-a", Device: "/dev/sda",
			Operation: domain.OperationSetFlag,
			Params:    domain.SetFlagParams{Partition: 3, Flag: fmt.Sprintf("flag%d", i), Value: true},
		})
		if err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
		ops = append(ops, op)
	}
	tool.FailOn(ops[1].ID, errors.New("sgdisk exited 2"))

	_, err := svc.Apply(ctx, "node-a", "/dev/sda")
	var opErr *domain.OperationExecutionError
	if !errors.As(err, &opErr) {
		t.Fatalf("Expected OperationExecutionError, got %v", err)
	}
	if opErr.OperationID != ops[1].ID {
		t.Errorf("Expected failure on %s, got %s", ops[1].ID, opErr.OperationID)
	}

	// First completed, second failed with the tool's message, third untouched.
	first, _ := repo.Get(ctx, ops[0].ID)
	if first.Status != domain.OperationStatusCompleted {
		t.Errorf("Expected first completed, got %s", first.Status)
	}
	second, _ := repo.Get(ctx, ops[1].ID)
	if second.Status != domain.OperationStatusFailed {
		t.Errorf("Expected second failed, got %s", second.Status)
	}
	if second.ErrorMessage != "sgdisk exited 2" {
		t.Errorf("Expected tool error recorded, got %q", second.ErrorMessage)
	}
	third, _ := repo.Get(ctx, ops[2].ID)
	if third.Status != domain.OperationStatusPending {
		t.Errorf("Expected third untouched, got %s", third.Status)
	}

	executed := tool.Executed()
	if len(executed) != 2 {
		t.Errorf("Expected executor to stop after the failure, executed %v", executed)
	}

	// Re-applying with the failed operation still queued is refused.
	if _, err := svc.Apply(ctx, "node-a", "/dev/sda"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict re-applying over a failed operation, got %v", err)
	}

	// Removing the failed operation unblocks the queue.
	if err := svc.Delete(ctx, ops[1].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	processed, err := svc.Apply(ctx, "node-a", "/dev/sda")
	if err != nil {
		t.Fatalf("Apply after removal failed: %v", err)
	}
	if len(processed) != 1 || processed[0].ID != ops[2].ID {
		t.Errorf("Expected the remaining operation to run, got %+v", processed)
	}
}

func TestApply_FailurePropagatesToSession(t *testing.T) {
	svc, _, _, tool := newTestService()
	ctx := context.Background()

	var failedSession, failedMessage string
	svc.BindSessionFailer(sessionFailerFunc(func(ctx context.Context, sessionID, message string) error {
		failedSession = sessionID
		failedMessage = message
		return nil
	}))

	op, err := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", SessionID: "sess-1", Device: "/dev/sda",
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: 2, NewSizeBytes: 60 << 30},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	tool.FailOn(op.ID, errors.New("resize2fs failed"))

	if _, err := svc.Apply(ctx, "node-a", "/dev/sda"); err == nil {
		t.Fatal("Expected apply to fail")
	}
	if failedSession != "sess-1" {
		t.Errorf("Expected session sess-1 to be failed, got %q", failedSession)
	}
	if failedMessage == "" {
		t.Error("Expected a failure message for the session")
	}
}

type sessionFailerFunc func(ctx context.Context, sessionID, message string) error

func (f sessionFailerFunc) FailSession(ctx context.Context, sessionID, message string) error {
	return f(ctx, sessionID, message)
}

func TestDelete_RefusesRunningAndCompleted(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	op, err := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	stored, _ := repo.Get(ctx, op.ID)
	stored.Status = domain.OperationStatusCompleted
	repo.Update(ctx, stored)

	if err := svc.Delete(ctx, op.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict deleting a completed operation, got %v", err)
	}
}

// MockLockManager hands out locks and can pretend another replica holds one.
type MockLockManager struct {
	mu       sync.Mutex
	busy     bool
	acquired []string
	released int
}

func (m *MockLockManager) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
}

func (m *MockLockManager) TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (QueueLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return nil, errors.New("lock held by another replica")
	}
	m.acquired = append(m.acquired, key)
	return &mockQueueLock{manager: m}, nil
}

func (m *MockLockManager) Acquired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.acquired))
	copy(out, m.acquired)
	return out
}

func (m *MockLockManager) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type mockQueueLock struct {
	manager *MockLockManager
}

func (l *mockQueueLock) Unlock(ctx context.Context) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	l.manager.released++
	return nil
}

func TestApply_AcquiresAndReleasesReplicaLock(t *testing.T) {
	svc, _, _, tool := newTestService()
	ctx := context.Background()

	locks := &MockLockManager{}
	svc.SetLockManager(locks)

	if _, err := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	if _, err := svc.Apply(ctx, "node-a", "/dev/sda"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	acquired := locks.Acquired()
	if len(acquired) != 1 || acquired[0] != "partition-apply/node-a/dev/sda" {
		t.Errorf("Expected one lock on partition-apply/node-a/dev/sda, got %v", acquired)
	}
	if locks.Released() != 1 {
		t.Errorf("Expected lock to be released once, got %d", locks.Released())
	}
	if len(tool.Executed()) != 1 {
		t.Errorf("Expected one execution, got %d", len(tool.Executed()))
	}
}

func TestApply_RefusesWhenAnotherReplicaHoldsLock(t *testing.T) {
	svc, _, _, tool := newTestService()
	ctx := context.Background()

	locks := &MockLockManager{}
	locks.SetBusy(true)
	svc.SetLockManager(locks)

	if _, err := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	if _, err := svc.Apply(ctx, "node-a", "/dev/sda"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict when the lock is held elsewhere, got %v", err)
	}
	if len(tool.Executed()) != 0 {
		t.Errorf("Expected no executions while the lock is held, got %d", len(tool.Executed()))
	}
}

func TestQueueAndApplyRecordMetrics(t *testing.T) {
	repo := NewMockOperationRepository()
	disks := NewMockDiskRepository()
	disks.Put(testDisk())
	tool := NewMockTool()
	m := metrics.NewMetrics()
	svc := NewService(repo, disks, tool, m, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Queue(ctx, QueueRequest{
		NodeID: "node-a", Device: "/dev/sda",
		Operation: domain.OperationSetFlag,
		Params:    domain.SetFlagParams{Partition: 3, Flag: "lvm", Value: true},
	}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if got := testutil.ToFloat64(m.OperationsQueued.WithLabelValues("set_flag")); got != 1 {
		t.Errorf("Expected 1 queued set_flag operation recorded, got %v", got)
	}

	if _, err := svc.Apply(ctx, "node-a", "/dev/sda"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := testutil.ToFloat64(m.OperationsApplied.WithLabelValues("set_flag", "completed")); got != 1 {
		t.Errorf("Expected 1 completed set_flag apply recorded, got %v", got)
	}
}
