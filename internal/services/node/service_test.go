package node

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// MockRepository is an in-memory implementation of Repository.
type MockRepository struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
}

func NewMockRepository() *MockRepository {
	return &MockRepository{nodes: make(map[string]*domain.Node)}
}

func copyNode(n *domain.Node) *domain.Node {
	cp := *n
	if n.LastHeartbeat != nil {
		hb := *n.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	if n.Labels != nil {
		cp.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

func (m *MockRepository) Create(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodes {
		if existing.MACAddress == n.MACAddress {
			return nil, domain.ErrAlreadyExists
		}
	}
	m.nodes[n.ID] = copyNode(n)
	return copyNode(n), nil
}

func (m *MockRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyNode(n), nil
}

func (m *MockRepository) GetByMAC(ctx context.Context, mac string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.MACAddress == mac {
			return copyNode(n), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockRepository) List(ctx context.Context, filter Filter, limit, offset int) ([]*domain.Node, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Node
	for _, n := range m.nodes {
		if filter.Phase != "" && n.Phase != filter.Phase {
			continue
		}
		if filter.Hostname != "" && n.Hostname != filter.Hostname {
			continue
		}
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *MockRepository) Update(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	m.nodes[n.ID] = copyNode(n)
	return copyNode(n), nil
}

func (m *MockRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

// backdateHeartbeat ages a node's heartbeat for offline-marker tests.
func (m *MockRepository) backdateHeartbeat(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.LastHeartbeat = &at
	}
}

func newTestService(staleAfter time.Duration) (*Service, *MockRepository) {
	repo := NewMockRepository()
	svc := NewService(repo, streaming.NewService(zap.NewNop()), staleAfter, zap.NewNop())
	return svc, repo
}

func TestRegisterNewNode(t *testing.T) {
	svc, _ := newTestService(time.Minute)

	node, err := svc.Register(context.Background(), RegisterRequest{
		Hostname:     "worker-01",
		MACAddress:   "AA-BB-CC-DD-EE-01",
		ManagementIP: "192.168.10.21",
		AgentPort:    9090,
		Architecture: "amd64",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if node.ID == "" {
		t.Error("expected a generated node id")
	}
	if node.Phase != domain.NodePhaseDiscovered {
		t.Errorf("expected discovered, got %s", node.Phase)
	}
	// MAC addresses are canonicalized so dashed and upper-case spellings
	// land on the same identity.
	if node.MACAddress != "aa:bb:cc:dd:ee:01" {
		t.Errorf("mac not normalized: %q", node.MACAddress)
	}
	if node.LastHeartbeat == nil {
		t.Error("registration counts as a heartbeat")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(time.Minute)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "not-a-mac",
		ManagementIP: "192.168.10.21",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad mac, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		MACAddress: "aa:bb:cc:dd:ee:01",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing ip, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:01",
		ManagementIP: "999.1.2.3",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad ip, got %v", err)
	}
}

func TestReRegisterUpdatesByMAC(t *testing.T) {
	svc, _ := newTestService(time.Minute)
	ctx := context.Background()

	first, err := svc.Register(ctx, RegisterRequest{
		Hostname:     "worker-01",
		MACAddress:   "aa:bb:cc:dd:ee:01",
		ManagementIP: "192.168.10.21",
		AgentPort:    9090,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The node PXE-boots again with a new address and hostname. Identity
	// follows the MAC, so the record is updated in place and any session
	// referencing the id stays valid.
	second, err := svc.Register(ctx, RegisterRequest{
		Hostname:     "worker-01-reimaged",
		MACAddress:   "AA:BB:CC:DD:EE:01",
		ManagementIP: "192.168.10.99",
		AgentPort:    9091,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-registration created a new node: %s vs %s", second.ID, first.ID)
	}
	if second.Hostname != "worker-01-reimaged" || second.ManagementIP != "192.168.10.99" {
		t.Errorf("record not refreshed: %s %s", second.Hostname, second.ManagementIP)
	}
	if second.Phase != domain.NodePhaseBooting {
		t.Errorf("re-registered node should be booting, got %s", second.Phase)
	}

	nodes, total, err := svc.ListNodes(ctx, Filter{}, 0, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if total != 1 || len(nodes) != 1 {
		t.Errorf("expected exactly one node, got %d", total)
	}
}

func TestHeartbeatPromotesToReady(t *testing.T) {
	svc, _ := newTestService(time.Minute)
	ctx := context.Background()

	node, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:02",
		ManagementIP: "192.168.10.22",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	beat, err := svc.Heartbeat(ctx, node.ID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if beat.Phase != domain.NodePhaseReady {
		t.Errorf("expected ready after heartbeat, got %s", beat.Phase)
	}

	// Heartbeats never pull a node out of maintenance.
	if _, err := svc.SetPhase(ctx, node.ID, domain.NodePhaseMaintenance); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}
	beat, err = svc.Heartbeat(ctx, node.ID)
	if err != nil {
		t.Fatalf("Heartbeat in maintenance: %v", err)
	}
	if beat.Phase != domain.NodePhaseMaintenance {
		t.Errorf("heartbeat demoted maintenance to %s", beat.Phase)
	}
}

func TestHeartbeatRecoversOfflineNode(t *testing.T) {
	svc, repo := newTestService(time.Minute)
	ctx := context.Background()

	node, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:03",
		ManagementIP: "192.168.10.23",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Heartbeat(ctx, node.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	repo.backdateHeartbeat(node.ID, time.Now().Add(-time.Hour))
	svc.markOfflineOnce(ctx)

	got, _ := repo.Get(ctx, node.ID)
	if got.Phase != domain.NodePhaseOffline {
		t.Fatalf("expected offline, got %s", got.Phase)
	}

	// The node comes back.
	beat, err := svc.Heartbeat(ctx, node.ID)
	if err != nil {
		t.Fatalf("Heartbeat after offline: %v", err)
	}
	if beat.Phase != domain.NodePhaseReady {
		t.Errorf("expected ready after recovery, got %s", beat.Phase)
	}
}

func TestOfflineMarkerSkipsMaintenance(t *testing.T) {
	svc, repo := newTestService(time.Minute)
	ctx := context.Background()

	node, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:04",
		ManagementIP: "192.168.10.24",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.SetPhase(ctx, node.ID, domain.NodePhaseMaintenance); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}
	repo.backdateHeartbeat(node.ID, time.Now().Add(-time.Hour))

	svc.markOfflineOnce(ctx)

	got, _ := repo.Get(ctx, node.ID)
	if got.Phase != domain.NodePhaseMaintenance {
		t.Errorf("offline marker touched a maintenance node: %s", got.Phase)
	}
}

func TestSetPhaseRejectsInternalPhases(t *testing.T) {
	svc, _ := newTestService(time.Minute)
	ctx := context.Background()

	node, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:05",
		ManagementIP: "192.168.10.25",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Discovery and booting are owned by the registration flow.
	for _, phase := range []domain.NodePhase{domain.NodePhaseDiscovered, domain.NodePhaseBooting} {
		if _, err := svc.SetPhase(ctx, node.ID, phase); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("SetPhase(%s) should be rejected, got %v", phase, err)
		}
	}
}

func TestDeleteNode(t *testing.T) {
	svc, _ := newTestService(time.Minute)
	ctx := context.Background()

	node, err := svc.Register(ctx, RegisterRequest{
		MACAddress:   "aa:bb:cc:dd:ee:06",
		ManagementIP: "192.168.10.26",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.DeleteNode(ctx, node.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := svc.GetNode(ctx, node.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.DeleteNode(ctx, node.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on double delete, got %v", err)
	}
}
