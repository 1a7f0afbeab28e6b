package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates the real command runner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.Named("exec")}
}

// Run executes one command and returns its combined output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.logger.Debug("Running command",
		zap.String("command", name),
		zap.Strings("args", args),
	)
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Executor maps partition operations onto the standard partitioning tools.
type Executor struct {
	runner  Runner
	scanner *Scanner
	logger  *zap.Logger
}

// NewExecutor creates an operation executor.
func NewExecutor(runner Runner, scanner *Scanner, logger *zap.Logger) *Executor {
	return &Executor{
		runner:  runner,
		scanner: scanner,
		logger:  logger.Named("executor"),
	}
}

// Execute runs one queued operation against its device. The controller has
// already validated the operation, so failures here are tool failures, not
// bad requests.
func (e *Executor) Execute(ctx context.Context, op *domain.PartitionOperation) error {
	e.logger.Info("Executing operation",
		zap.String("operation_id", op.ID),
		zap.String("operation", string(op.Operation)),
		zap.String("device", op.Device),
	)

	switch params := op.Params.(type) {
	case domain.ResizeParams:
		return e.resize(ctx, op.Device, params)
	case domain.CreateParams:
		return e.create(ctx, op.Device, params)
	case domain.DeleteParams:
		return e.delete(ctx, op.Device, params)
	case domain.FormatParams:
		return e.format(ctx, op.Device, params)
	case domain.MoveParams:
		return e.move(ctx, op.Device, params)
	case domain.SetFlagParams:
		return e.setFlag(ctx, op.Device, params)
	default:
		return fmt.Errorf("unsupported operation %s", op.Operation)
	}
}

// resize shrinks the filesystem first when the partition is getting
// smaller; growing runs the other way around.
func (e *Executor) resize(ctx context.Context, device string, p domain.ResizeParams) error {
	info, err := e.scanner.Scan(ctx, "", device)
	if err != nil {
		return err
	}
	var current *domain.Partition
	for i := range info.Partitions {
		if info.Partitions[i].Number == p.Partition {
			current = &info.Partitions[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("partition %d not found on %s", p.Partition, device)
	}

	partDev := PartitionDevice(device, p.Partition)
	shrinking := p.NewSizeBytes < current.SizeBytes

	if shrinking {
		if err := e.resizeFilesystem(ctx, partDev, current.Filesystem, p.NewSizeBytes); err != nil {
			return err
		}
	}

	end := current.StartBytes + p.NewSizeBytes
	if _, err := e.runner.Run(ctx, "parted", "-s", device,
		"unit", "B", "resizepart", fmt.Sprint(p.Partition), fmt.Sprintf("%dB", end-1)); err != nil {
		return err
	}

	if !shrinking {
		if err := e.resizeFilesystem(ctx, partDev, current.Filesystem, p.NewSizeBytes); err != nil {
			return err
		}
	}
	return nil
}

// resizeFilesystem resizes the filesystem on one partition device to
// sizeBytes, 0 meaning fill the partition.
func (e *Executor) resizeFilesystem(ctx context.Context, partDev, filesystem string, sizeBytes int64) error {
	switch filesystem {
	case "ext4", "ext3", "ext2":
		if _, err := e.runner.Run(ctx, "e2fsck", "-f", "-y", partDev); err != nil {
			return err
		}
		args := []string{partDev}
		if sizeBytes > 0 {
			args = append(args, fmt.Sprintf("%dK", sizeBytes/1024))
		}
		_, err := e.runner.Run(ctx, "resize2fs", args...)
		return err
	case "ntfs":
		args := []string{"-f", "--no-progress-bar"}
		if sizeBytes > 0 {
			args = append(args, "-s", fmt.Sprint(sizeBytes))
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "ntfsresize", args...)
		return err
	case "btrfs":
		size := "max"
		if sizeBytes > 0 {
			size = fmt.Sprint(sizeBytes)
		}
		_, err := e.runner.Run(ctx, "btrfs", "filesystem", "resize", size, partDev)
		return err
	case "xfs":
		// xfs only grows, and only to the partition end.
		_, err := e.runner.Run(ctx, "xfs_growfs", partDev)
		return err
	case "":
		// No filesystem, nothing to resize.
		return nil
	default:
		return fmt.Errorf("cannot resize filesystem %q on %s", filesystem, partDev)
	}
}

func (e *Executor) create(ctx context.Context, device string, p domain.CreateParams) error {
	args := []string{"-s", device, "unit", "B", "mkpart", "primary"}
	if p.Filesystem != "" {
		args = append(args, p.Filesystem)
	}
	args = append(args,
		fmt.Sprintf("%dB", p.StartBytes),
		fmt.Sprintf("%dB", p.StartBytes+p.SizeBytes-1),
	)
	// Labels are applied at format time; create only reserves the slot.
	_, err := e.runner.Run(ctx, "parted", args...)
	return err
}

func (e *Executor) delete(ctx context.Context, device string, p domain.DeleteParams) error {
	_, err := e.runner.Run(ctx, "parted", "-s", device, "rm", fmt.Sprint(p.Partition))
	return err
}

func (e *Executor) format(ctx context.Context, device string, p domain.FormatParams) error {
	partDev := PartitionDevice(device, p.Partition)
	switch p.Filesystem {
	case "ext4", "ext3", "ext2":
		args := []string{"-F"}
		if p.Label != "" {
			args = append(args, "-L", p.Label)
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "mkfs."+p.Filesystem, args...)
		return err
	case "xfs":
		args := []string{"-f"}
		if p.Label != "" {
			args = append(args, "-L", p.Label)
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "mkfs.xfs", args...)
		return err
	case "btrfs":
		args := []string{"-f"}
		if p.Label != "" {
			args = append(args, "-L", p.Label)
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "mkfs.btrfs", args...)
		return err
	case "ntfs":
		args := []string{"-Q"}
		if p.Label != "" {
			args = append(args, "-L", p.Label)
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "mkfs.ntfs", args...)
		return err
	case "fat32":
		args := []string{"-F", "32"}
		if p.Label != "" {
			args = append(args, "-n", p.Label)
		}
		args = append(args, partDev)
		_, err := e.runner.Run(ctx, "mkfs.vfat", args...)
		return err
	default:
		return fmt.Errorf("cannot format filesystem %q on %s", p.Filesystem, partDev)
	}
}

// move relocates a partition's data with sfdisk. Only ever planner-issued.
func (e *Executor) move(ctx context.Context, device string, p domain.MoveParams) error {
	_, err := e.runner.Run(ctx, "sh", "-c",
		fmt.Sprintf("echo '%d' | sfdisk --move-data %s -N %d",
			p.NewStartBytes/sectorSize, device, p.Partition))
	return err
}

func (e *Executor) setFlag(ctx context.Context, device string, p domain.SetFlagParams) error {
	state := "on"
	if !p.Value {
		state = "off"
	}
	_, err := e.runner.Run(ctx, "parted", "-s", device,
		"set", fmt.Sprint(p.Partition), p.Flag, state)
	return err
}
