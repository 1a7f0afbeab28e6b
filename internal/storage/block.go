package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// BlockBackend hands out whole preconfigured volumes, typically LVM logical
// volumes or zvols carved out for staging. Allocation is best fit: the
// smallest free volume that holds the image wins, keeping large volumes
// available for large images.
type BlockBackend struct {
	id     string
	logger *zap.Logger

	mu      sync.Mutex
	volumes []*blockVolume
}

type blockVolume struct {
	device    string
	sizeBytes int64
	sessionID string // empty when free
}

// NewBlockBackend creates a block backend over the configured volumes.
func NewBlockBackend(id string, volumes []config.BlockVolumeConfig, logger *zap.Logger) (*BlockBackend, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("%w: block backend needs at least one volume", domain.ErrInvalidArgument)
	}

	b := &BlockBackend{
		id:     id,
		logger: logger.With(zap.String("backend", id)),
	}
	for _, v := range volumes {
		if v.Device == "" || v.SizeBytes <= 0 {
			return nil, fmt.Errorf("%w: block volume needs a device and a positive size", domain.ErrInvalidArgument)
		}
		b.volumes = append(b.volumes, &blockVolume{device: v.Device, sizeBytes: v.SizeBytes})
	}
	return b, nil
}

// ID returns the backend identifier.
func (b *BlockBackend) ID() string { return b.id }

// Kind returns "block".
func (b *BlockBackend) Kind() string { return "block" }

// Provision allocates the smallest free volume that fits sizeBytes.
func (b *BlockBackend) Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *blockVolume
	for _, v := range b.volumes {
		if v.sessionID != "" || v.sizeBytes < sizeBytes {
			continue
		}
		if best == nil || v.sizeBytes < best.sizeBytes {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no free block volume holds %d bytes", domain.ErrUnavailable, sizeBytes)
	}

	best.sessionID = sessionID
	b.logger.Info("Allocated block volume",
		zap.String("device", best.device),
		zap.String("session_id", sessionID),
	)

	return &domain.StagingInfo{
		BackendID: b.id,
		Path:      best.device,
		SizeBytes: best.sizeBytes,
	}, nil
}

// Delete releases the volume back into the pool. Unknown volumes are treated
// as already released.
func (b *BlockBackend) Delete(ctx context.Context, info *domain.StagingInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, v := range b.volumes {
		if v.device == info.Path {
			v.sessionID = ""
			b.logger.Info("Released block volume", zap.String("device", v.device))
			return nil
		}
	}
	return nil
}

// FreeBytes reports the largest free volume. Volumes are allocated whole, so
// the pool sum would overstate what a single session can actually get.
func (b *BlockBackend) FreeBytes(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var largest int64
	for _, v := range b.volumes {
		if v.sessionID == "" && v.sizeBytes > largest {
			largest = v.sizeBytes
		}
	}
	return largest, nil
}

// Directions returns the raw device path agents stream the image to.
func (b *BlockBackend) Directions(info *domain.StagingInfo) Directions {
	return Directions{Kind: "block", Path: info.Path}
}

// reserve re-marks a volume as owned by sessionID during startup replay.
func (b *BlockBackend) reserve(info *domain.StagingInfo, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, v := range b.volumes {
		if v.device == info.Path {
			v.sessionID = sessionID
			return
		}
	}
}
