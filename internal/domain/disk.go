// Package domain contains core business entities for the IronPXE platform.
// This file defines the disk and partition model produced by agent scans
// and consumed by the resize planner and operation validation.
package domain

import (
	"sort"
	"time"
)

// PartitionTableType identifies the partition table format of a disk.
type PartitionTableType string

const (
	PartitionTableGPT     PartitionTableType = "gpt"
	PartitionTableMBR     PartitionTableType = "mbr"
	PartitionTableUnknown PartitionTableType = "unknown"
)

// Alignment and safety constants used by the planner and the derived
// partition fields.
const (
	// PartitionAlignmentBytes is the fixed inter-partition alignment
	// overhead: partition boundaries are kept on 1 MiB boundaries.
	PartitionAlignmentBytes int64 = 1 << 20

	// ShrinkSafetyMarginBytes is added on top of a partition's used bytes
	// when computing the minimum size it can shrink to. Filesystem
	// accounting of "used" under-reports metadata, so shrinking to the
	// exact used size risks a failed resize.
	ShrinkSafetyMarginBytes int64 = 64 << 20
)

// DiskInfo is the cached result of scanning one device on one node.
// It is keyed by (NodeID, Device) and overwritten on every scan; no
// historical versions are kept.
type DiskInfo struct {
	NodeID         string             `json:"node_id"`
	Device         string             `json:"device"`
	SizeBytes      int64              `json:"size_bytes"`
	Model          string             `json:"model,omitempty"`
	Serial         string             `json:"serial,omitempty"`
	PartitionTable PartitionTableType `json:"partition_table"`
	Partitions     []Partition        `json:"partitions"`
	ScannedAt      time.Time          `json:"scanned_at"`
}

// Partition describes a single partition within a DiskInfo scan.
type Partition struct {
	Number     int32    `json:"number"`
	StartBytes int64    `json:"start_bytes"`
	EndBytes   int64    `json:"end_bytes"`
	SizeBytes  int64    `json:"size_bytes"`
	Type       string   `json:"type,omitempty"`
	Filesystem string   `json:"filesystem,omitempty"`
	Label      string   `json:"label,omitempty"`
	Flags      []string `json:"flags,omitempty"`
	UsedBytes  *int64   `json:"used_bytes,omitempty"`
	Mountpoint string   `json:"mountpoint,omitempty"`
}

// HasFlag reports whether the partition carries the given flag (e.g. "boot").
func (p *Partition) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsMounted reports whether the partition was mounted at scan time.
func (p *Partition) IsMounted() bool {
	return p.Mountpoint != ""
}

// CanShrink reports whether the partition can be shrunk: its filesystem
// must support shrinking and the scan must have determined used bytes.
func (p *Partition) CanShrink() bool {
	caps, ok := FilesystemCapability(p.Filesystem)
	if !ok || !caps.Shrink {
		return false
	}
	return p.UsedBytes != nil
}

// MinSizeBytes returns the smallest size the partition can shrink to:
// used bytes plus a safety margin, rounded up to the partition alignment.
// Only meaningful when CanShrink is true; otherwise the full size is
// returned.
func (p *Partition) MinSizeBytes() int64 {
	if !p.CanShrink() {
		return p.SizeBytes
	}
	min := *p.UsedBytes + ShrinkSafetyMarginBytes
	if min > p.SizeBytes {
		return p.SizeBytes
	}
	return AlignUp(min)
}

// AlignUp rounds n up to the next partition alignment boundary.
func AlignUp(n int64) int64 {
	rem := n % PartitionAlignmentBytes
	if rem == 0 {
		return n
	}
	return n + PartitionAlignmentBytes - rem
}

// FindPartition returns the partition with the given number, or nil.
func (d *DiskInfo) FindPartition(number int32) *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Number == number {
			return &d.Partitions[i]
		}
	}
	return nil
}

// PartitionsByStart returns the partitions ordered by start offset.
func (d *DiskInfo) PartitionsByStart() []Partition {
	out := make([]Partition, len(d.Partitions))
	copy(out, d.Partitions)
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartBytes < out[j].StartBytes
	})
	return out
}

// LastPartition returns the partition with the highest start offset, or nil
// for an empty disk.
func (d *DiskInfo) LastPartition() *Partition {
	var last *Partition
	for i := range d.Partitions {
		if last == nil || d.Partitions[i].StartBytes > last.StartBytes {
			last = &d.Partitions[i]
		}
	}
	return last
}

// MinimumFootprintBytes is the smallest total capacity the disk's contents
// can occupy: each partition contributes its minimum shrunk size (or full
// size when not shrinkable) plus one alignment unit of inter-partition
// overhead.
func (d *DiskInfo) MinimumFootprintBytes() int64 {
	var total int64
	for i := range d.Partitions {
		total += d.Partitions[i].MinSizeBytes() + PartitionAlignmentBytes
	}
	return total
}

// =============================================================================
// Filesystem capability matrix
// =============================================================================

// FilesystemCaps describes what resize operations a filesystem supports and
// whether each can run while the filesystem is mounted.
type FilesystemCaps struct {
	Shrink       bool `json:"shrink"`
	Grow         bool `json:"grow"`
	OnlineShrink bool `json:"online_shrink"`
	OnlineGrow   bool `json:"online_grow"`
}

// filesystemCaps is the authoritative capability matrix for the planner and
// queue validation.
var filesystemCaps = map[string]FilesystemCaps{
	"ext4":  {Shrink: true, Grow: true, OnlineShrink: true, OnlineGrow: true},
	"xfs":   {Shrink: false, Grow: true, OnlineShrink: false, OnlineGrow: true},
	"ntfs":  {Shrink: true, Grow: true, OnlineShrink: false, OnlineGrow: false},
	"btrfs": {Shrink: true, Grow: true, OnlineShrink: true, OnlineGrow: true},
	"fat32": {Shrink: true, Grow: true, OnlineShrink: false, OnlineGrow: false},
}

// FilesystemCapability looks up the capability entry for a filesystem name.
// Unknown filesystems report no capabilities.
func FilesystemCapability(fs string) (FilesystemCaps, bool) {
	caps, ok := filesystemCaps[fs]
	return caps, ok
}
