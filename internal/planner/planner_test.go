package planner

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ironpxe/ironpxe/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

// efiPlusRoot is the common layout in the fleet: a small EFI system
// partition followed by one big root filesystem.
func efiPlusRoot(rootFS string, rootUsed int64) *domain.DiskInfo {
	return &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      100 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 10 << 30, SizeBytes: 10 << 30, Filesystem: "vfat", Flags: []string{"boot", "esp"}},
			{Number: 2, StartBytes: 10<<30 + 1<<20, EndBytes: 100 << 30, SizeBytes: 90 << 30, Filesystem: rootFS, UsedBytes: int64Ptr(rootUsed)},
		},
	}
}

func TestPlanShrink_RootPartition(t *testing.T) {
	disk := efiPlusRoot("ext4", 40<<30)

	steps, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Expected a single resize step, got %d", len(steps))
	}

	resize, ok := steps[0].Params.(domain.ResizeParams)
	if !ok {
		t.Fatalf("Expected ResizeParams, got %T", steps[0].Params)
	}
	if resize.Partition != 2 {
		t.Errorf("Expected partition 2 to shrink, got %d", resize.Partition)
	}

	// 60 GiB target minus the 10 GiB EFI partition minus the reserve margin.
	want := int64(50<<30) - domain.PartitionAlignmentBytes
	if resize.NewSizeBytes != want {
		t.Errorf("Expected new size %d, got %d", want, resize.NewSizeBytes)
	}
	if steps[0].Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", steps[0].Sequence)
	}
}

func TestPlanShrink_Infeasible(t *testing.T) {
	disk := efiPlusRoot("ext4", 40<<30)

	_, err := Plan(disk, 30<<30, domain.ResizeModeShrinkSource)
	if err == nil {
		t.Fatal("Expected infeasible plan error")
	}

	var infeasible *domain.InfeasiblePlanError
	if !errors.As(err, &infeasible) {
		t.Fatalf("Expected InfeasiblePlanError, got %T: %v", err, err)
	}
	if infeasible.TargetBytes != 30<<30 {
		t.Errorf("Expected target bytes recorded, got %d", infeasible.TargetBytes)
	}
	if infeasible.RequiredBytes != disk.MinimumFootprintBytes() {
		t.Errorf("Expected required bytes %d, got %d",
			disk.MinimumFootprintBytes(), infeasible.RequiredBytes)
	}
	// The EFI partition cannot shrink, so roughly 10 GiB + 40 GiB used must
	// fit into 30 GiB: short by about 20 GiB.
	if got := infeasible.ShortfallBytes(); got < 20<<30 || got > 21<<30 {
		t.Errorf("Expected shortfall of about 20 GiB, got %d", got)
	}
}

func TestPlanShrink_UnshrinkableFilesystem(t *testing.T) {
	disk := efiPlusRoot("xfs", 40<<30)

	_, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	var infeasible *domain.InfeasiblePlanError
	if !errors.As(err, &infeasible) {
		t.Fatalf("Expected InfeasiblePlanError for xfs root, got %v", err)
	}
}

func TestPlanShrink_MovesPartitionsAboveShrunkOne(t *testing.T) {
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      80 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 50 << 30, SizeBytes: 50 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(10 << 30)},
			{Number: 2, StartBytes: 50<<30 + 1<<20, EndBytes: 80 << 30, SizeBytes: 30 << 30, Filesystem: "xfs"},
		},
	}

	steps, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected resize plus move, got %d steps", len(steps))
	}

	resize := steps[0].Params.(domain.ResizeParams)
	if resize.Partition != 1 {
		t.Errorf("Expected partition 1 to shrink, got %d", resize.Partition)
	}
	wantSize := int64(30<<30) - domain.PartitionAlignmentBytes
	if resize.NewSizeBytes != wantSize {
		t.Errorf("Expected new size %d, got %d", wantSize, resize.NewSizeBytes)
	}

	move, ok := steps[1].Params.(domain.MoveParams)
	if !ok {
		t.Fatalf("Expected MoveParams, got %T", steps[1].Params)
	}
	if move.Partition != 2 {
		t.Errorf("Expected partition 2 to move, got %d", move.Partition)
	}
	reclaimed := int64(50<<30) - wantSize
	wantStart := int64(50<<30) + 1<<20 - reclaimed
	if move.NewStartBytes != wantStart {
		t.Errorf("Expected new start %d, got %d", wantStart, move.NewStartBytes)
	}
	if steps[1].Sequence != 2 {
		t.Errorf("Expected move sequence 2, got %d", steps[1].Sequence)
	}
}

func TestPlanShrink_PicksMostReclaimableSlack(t *testing.T) {
	// Partition 1 has far more slack than partition 2, so it is chosen even
	// though partition 2 is last.
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      90 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 60 << 30, SizeBytes: 60 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(10 << 30)},
			{Number: 2, StartBytes: 60<<30 + 1<<20, EndBytes: 90 << 30, SizeBytes: 30 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(25 << 30)},
		},
	}

	steps, err := Plan(disk, 70<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	resize := steps[0].Params.(domain.ResizeParams)
	if resize.Partition != 1 {
		t.Errorf("Expected the high-slack partition 1, got %d", resize.Partition)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected a move for the partition above, got %d steps", len(steps))
	}
}

func TestPlanShrink_SingleResizeCannotReachFootprint(t *testing.T) {
	// The combined minimum footprint fits, but only by shrinking both
	// partitions. A plan resizes exactly one, so this must be reported as
	// infeasible rather than emitting a resize below the minimum.
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      100 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 50 << 30, SizeBytes: 50 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(10 << 30)},
			{Number: 2, StartBytes: 50<<30 + 1<<20, EndBytes: 100 << 30, SizeBytes: 50 << 30, Filesystem: "ext4", UsedBytes: int64Ptr(45 << 30)},
		},
	}

	_, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	var infeasible *domain.InfeasiblePlanError
	if !errors.As(err, &infeasible) {
		t.Fatalf("Expected InfeasiblePlanError, got %v", err)
	}
	if infeasible.ShortfallBytes() <= 0 {
		t.Errorf("Expected a positive shortfall, got %d", infeasible.ShortfallBytes())
	}
}

func TestPlanShrink_AlreadyFits(t *testing.T) {
	disk := efiPlusRoot("ext4", 40<<30)

	steps, err := Plan(disk, 200<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("Expected empty plan when the layout already fits, got %d steps", len(steps))
	}
}

func TestPlanGrow_LastPartitionOnlineFilesystem(t *testing.T) {
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      60 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 10 << 30, SizeBytes: 10 << 30, Filesystem: "vfat"},
			{Number: 2, StartBytes: 10<<30 + 1<<20, EndBytes: 59 << 30, SizeBytes: 49 << 30, Filesystem: "ext4"},
		},
	}

	steps, err := Plan(disk, 100<<30, domain.ResizeModeGrowTarget)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Expected a single resize for an online-grow filesystem, got %d steps", len(steps))
	}

	resize := steps[0].Params.(domain.ResizeParams)
	if resize.Partition != 2 {
		t.Errorf("Expected last partition 2, got %d", resize.Partition)
	}
	want := int64(100<<30) - (10<<30 + 1<<20) - domain.PartitionAlignmentBytes
	if resize.NewSizeBytes != want {
		t.Errorf("Expected new size %d, got %d", want, resize.NewSizeBytes)
	}
}

func TestPlanGrow_OfflineFilesystemGetsGrowPass(t *testing.T) {
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      60 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 60 << 30, SizeBytes: 60 << 30, Filesystem: "ntfs"},
		},
	}

	steps, err := Plan(disk, 100<<30, domain.ResizeModeGrowTarget)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected resize plus filesystem grow pass, got %d steps", len(steps))
	}
	format, ok := steps[1].Params.(domain.FormatParams)
	if !ok {
		t.Fatalf("Expected FormatParams, got %T", steps[1].Params)
	}
	if format.Filesystem != "ntfs" || format.Partition != 1 {
		t.Errorf("Unexpected grow pass params: %+v", format)
	}
}

func TestPlanGrow_NoUnallocatedSpace(t *testing.T) {
	disk := &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      60 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 10 << 30, SizeBytes: 10 << 30, Filesystem: "vfat"},
			{Number: 2, StartBytes: 10<<30 + 1<<20, EndBytes: 59 << 30, SizeBytes: 49 << 30, Filesystem: "ext4"},
		},
	}

	steps, err := Plan(disk, 50<<30, domain.ResizeModeGrowTarget)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("Expected empty plan without unallocated space, got %d steps", len(steps))
	}
}

func TestPlan_Deterministic(t *testing.T) {
	disk := efiPlusRoot("ext4", 40<<30)

	first, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	second, err := Plan(disk, 60<<30, domain.ResizeModeShrinkSource)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical plans for identical inputs:\n%+v\n%+v", first, second)
	}
}

func TestPlan_ModeNone(t *testing.T) {
	steps, err := Plan(efiPlusRoot("ext4", 40<<30), 60<<30, domain.ResizeModeNone)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("Expected empty plan for mode none, got %d steps", len(steps))
	}
}

func TestPlan_Validation(t *testing.T) {
	if _, err := Plan(nil, 60<<30, domain.ResizeModeShrinkSource); err == nil {
		t.Error("Expected error for nil disk")
	}
	if _, err := Plan(efiPlusRoot("ext4", 1<<30), 0, domain.ResizeModeShrinkSource); err == nil {
		t.Error("Expected error for zero capacity")
	}
	if _, err := Plan(efiPlusRoot("ext4", 1<<30), 60<<30, "sideways"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
