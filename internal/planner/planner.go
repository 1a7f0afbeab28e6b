// Package planner computes partition resize plans for clone sessions whose
// source and target disks differ in size. Plan is a pure function over a
// disk scan snapshot: identical inputs always yield an identical operation
// list, so callers replace a session's plan on every re-analysis instead of
// appending to it.
package planner

import (
	"github.com/ironpxe/ironpxe/internal/domain"
)

// reserveMarginBytes is held back from the target capacity so the shrunk
// layout never lands exactly on the last usable byte.
const reserveMarginBytes = domain.PartitionAlignmentBytes

// Plan produces the ordered partition operations that make the source layout
// fit the target capacity under the requested resize mode. It returns an
// empty plan when no operation is needed and *domain.InfeasiblePlanError when
// no single-resize plan can fit.
func Plan(source *domain.DiskInfo, targetCapacityBytes int64, mode domain.ResizeMode) ([]domain.PlanStep, error) {
	if source == nil {
		return nil, domain.NewValidationError("source disk scan is required")
	}
	if targetCapacityBytes <= 0 {
		return nil, domain.NewValidationError("target capacity must be positive")
	}

	switch mode {
	case domain.ResizeModeNone:
		return nil, nil
	case domain.ResizeModeShrinkSource:
		return planShrink(source, targetCapacityBytes)
	case domain.ResizeModeGrowTarget:
		return planGrow(source, targetCapacityBytes)
	}
	return nil, domain.NewValidationError("unknown resize mode %q", mode)
}

func planShrink(source *domain.DiskInfo, targetCapacityBytes int64) ([]domain.PlanStep, error) {
	ordered := source.PartitionsByStart()
	if len(ordered) == 0 {
		return nil, domain.NewValidationError("source disk has no partitions")
	}

	var totalBytes int64
	for i := range ordered {
		totalBytes += ordered[i].SizeBytes
	}

	// Already fits: nothing to shrink.
	usable := targetCapacityBytes - reserveMarginBytes
	if totalBytes <= usable {
		return nil, nil
	}

	if footprint := source.MinimumFootprintBytes(); footprint > targetCapacityBytes {
		return nil, &domain.InfeasiblePlanError{
			RequiredBytes: footprint,
			TargetBytes:   targetCapacityBytes,
		}
	}

	// Pick the shrinkable partition with the most reclaimable slack; ties go
	// to the lower partition so re-analysis stays deterministic.
	chosen := -1
	var bestSlack int64
	for i := range ordered {
		p := &ordered[i]
		if !p.CanShrink() {
			continue
		}
		slack := p.SizeBytes - p.MinSizeBytes()
		if slack > bestSlack {
			bestSlack = slack
			chosen = i
		}
	}
	if chosen < 0 {
		return nil, &domain.InfeasiblePlanError{
			RequiredBytes: totalBytes + reserveMarginBytes,
			TargetBytes:   targetCapacityBytes,
		}
	}

	part := &ordered[chosen]
	newSize := usable - (totalBytes - part.SizeBytes)
	if newSize < part.MinSizeBytes() {
		// The footprint sum said feasible, but that sum assumed every
		// shrinkable partition gives up its slack. A plan only ever resizes
		// one partition, so report what a single resize would actually need.
		return nil, &domain.InfeasiblePlanError{
			RequiredBytes: totalBytes - part.SizeBytes + part.MinSizeBytes() + reserveMarginBytes,
			TargetBytes:   targetCapacityBytes,
		}
	}
	newSize -= newSize % domain.PartitionAlignmentBytes
	if newSize < part.MinSizeBytes() {
		newSize = part.MinSizeBytes()
	}
	reclaimed := part.SizeBytes - newSize

	var seq int32 = 1
	steps := []domain.PlanStep{{
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: part.Number, NewSizeBytes: newSize},
		Sequence:  seq,
	}}

	// Partitions above the shrunk one shift down by the reclaimed amount,
	// lowest first so nothing ever overlaps mid-apply.
	for i := chosen + 1; i < len(ordered); i++ {
		seq++
		steps = append(steps, domain.PlanStep{
			Operation: domain.OperationMove,
			Params: domain.MoveParams{
				Partition:     ordered[i].Number,
				NewStartBytes: ordered[i].StartBytes - reclaimed,
			},
			Sequence: seq,
		})
	}
	return steps, nil
}

func planGrow(source *domain.DiskInfo, targetCapacityBytes int64) ([]domain.PlanStep, error) {
	last := source.LastPartition()
	if last == nil {
		return nil, domain.NewValidationError("source disk has no partitions")
	}

	newSize := targetCapacityBytes - last.StartBytes - reserveMarginBytes
	if newSize <= last.SizeBytes {
		// No unallocated space to consume.
		return nil, nil
	}

	steps := []domain.PlanStep{{
		Operation: domain.OperationResize,
		Params:    domain.ResizeParams{Partition: last.Number, NewSizeBytes: newSize},
		Sequence:  1,
	}}

	// Filesystems that cannot grow online need an explicit offline grow pass
	// after the partition resize.
	if caps, ok := domain.FilesystemCapability(last.Filesystem); ok && caps.Grow && !caps.OnlineGrow {
		steps = append(steps, domain.PlanStep{
			Operation: domain.OperationFormat,
			Params:    domain.FormatParams{Partition: last.Number, Filesystem: last.Filesystem},
			Sequence:  2,
		})
	}
	return steps, nil
}
