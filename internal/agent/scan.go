package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// Runner executes one external command and returns its combined output.
// Abstracted so the partition tooling can be faked in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Scanner reads the partition layout of a block device.
type Scanner struct {
	runner Runner
	logger *zap.Logger
}

// NewScanner creates a scanner using the given command runner.
func NewScanner(runner Runner, logger *zap.Logger) *Scanner {
	return &Scanner{
		runner: runner,
		logger: logger.Named("scanner"),
	}
}

// lsblkOutput mirrors lsblk --json --bytes.
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name      string        `json:"name"`
	Size      int64         `json:"size"`
	Type      string        `json:"type"`
	Model     string        `json:"model"`
	Serial    string        `json:"serial"`
	PTType    string        `json:"pttype"`
	FSType    string        `json:"fstype"`
	Label     string        `json:"label"`
	PartType  string        `json:"parttype"`
	PartFlags string        `json:"partflags"`
	Start     int64         `json:"start"`
	PartN     int32         `json:"partn"`
	Children  []lsblkDevice `json:"children"`
}

const sectorSize = 512

// Scan reads the layout of one device, e.g. /dev/sda.
func (s *Scanner) Scan(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	out, err := s.runner.Run(ctx, "lsblk",
		"--json", "--bytes",
		"--output", "NAME,SIZE,TYPE,MODEL,SERIAL,PTTYPE,FSTYPE,LABEL,PARTTYPE,PARTFLAGS,START,PARTN",
		device,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", device, err)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parsing lsblk output for %s: %w", device, err)
	}
	if len(parsed.BlockDevices) == 0 {
		return nil, fmt.Errorf("device %s not found", device)
	}

	disk := parsed.BlockDevices[0]
	info := &domain.DiskInfo{
		NodeID:         nodeID,
		Device:         device,
		SizeBytes:      disk.Size,
		Model:          strings.TrimSpace(disk.Model),
		Serial:         strings.TrimSpace(disk.Serial),
		PartitionTable: partitionTableType(disk.PTType),
		ScannedAt:      time.Now().UTC(),
	}

	for _, child := range disk.Children {
		if child.Type != "part" {
			continue
		}
		number := child.PartN
		if number == 0 {
			number = partitionNumber(device, child.Name)
		}
		start := child.Start * sectorSize
		p := domain.Partition{
			Number:     number,
			StartBytes: start,
			EndBytes:   start + child.Size,
			SizeBytes:  child.Size,
			Type:       child.PartType,
			Filesystem: child.FSType,
			Label:      child.Label,
		}
		if child.PartFlags != "" {
			p.Flags = strings.Split(child.PartFlags, ",")
		}
		info.Partitions = append(info.Partitions, p)
	}

	s.logger.Debug("Device scanned",
		zap.String("device", device),
		zap.Int64("size_bytes", info.SizeBytes),
		zap.Int("partitions", len(info.Partitions)),
	)
	return info, nil
}

// ListDevices returns the whole disks visible to this machine, e.g.
// [/dev/sda /dev/nvme0n1]. Removable and virtual devices are included; the
// controller decides what matters.
func (s *Scanner) ListDevices(ctx context.Context) ([]string, error) {
	out, err := s.runner.Run(ctx, "lsblk", "--json", "--nodeps", "--output", "NAME,TYPE")
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parsing lsblk output: %w", err)
	}

	var devices []string
	for _, d := range parsed.BlockDevices {
		if d.Type == "disk" {
			devices = append(devices, "/dev/"+d.Name)
		}
	}
	return devices, nil
}

func partitionTableType(pttype string) domain.PartitionTableType {
	switch pttype {
	case "gpt":
		return domain.PartitionTableGPT
	case "dos":
		return domain.PartitionTableMBR
	default:
		return domain.PartitionTableUnknown
	}
}

// partitionNumber recovers the partition number from the kernel name when
// lsblk is too old to report PARTN: sda2 -> 2, nvme0n1p2 -> 2.
func partitionNumber(device, name string) int32 {
	base := path.Base(device)
	rest := strings.TrimPrefix(name, base)
	rest = strings.TrimPrefix(rest, "p")
	var n int32
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int32(c-'0')
	}
	return n
}

// PartitionDevice returns the device node for one partition: /dev/sda + 2 ->
// /dev/sda2, /dev/nvme0n1 + 2 -> /dev/nvme0n1p2.
func PartitionDevice(device string, partition int32) string {
	if len(device) > 0 && device[len(device)-1] >= '0' && device[len(device)-1] <= '9' {
		return fmt.Sprintf("%sp%d", device, partition)
	}
	return fmt.Sprintf("%s%d", device, partition)
}
