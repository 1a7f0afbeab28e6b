package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

const imageFileName = "disk.img"

// PathBackend stages images as files under a root directory, one directory
// per session. The root is typically an NFS export or a large local
// filesystem on the controller host.
type PathBackend struct {
	id     string
	root   string
	logger *zap.Logger
}

// NewPathBackend creates a path backend rooted at root, creating the root
// directory if it does not exist yet.
func NewPathBackend(id, root string, logger *zap.Logger) (*PathBackend, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging root: %w", err)
	}

	return &PathBackend{
		id:     id,
		root:   abs,
		logger: logger.With(zap.String("backend", id)),
	}, nil
}

// ID returns the backend identifier.
func (b *PathBackend) ID() string { return b.id }

// Kind returns "path".
func (b *PathBackend) Kind() string { return "path" }

// Provision creates a per-session directory and returns the image path
// inside it. The image file itself is created by the uploading agent.
func (b *PathBackend) Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error) {
	free, err := b.FreeBytes(ctx)
	if err != nil {
		return nil, err
	}
	if sizeBytes > 0 && free < sizeBytes {
		return nil, fmt.Errorf("%w: backend %s has %d bytes free, need %d", domain.ErrUnavailable, b.id, free, sizeBytes)
	}

	dir := filepath.Join(b.root, sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	path := filepath.Join(dir, imageFileName)

	b.logger.Info("Provisioned staging area",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.Int64("size_bytes", sizeBytes),
	)

	return &domain.StagingInfo{
		BackendID: b.id,
		Path:      path,
		SizeBytes: sizeBytes,
	}, nil
}

// Delete removes the session directory holding the staged image. Paths that
// escape the configured root are refused no matter how they got into the
// record.
func (b *PathBackend) Delete(ctx context.Context, info *domain.StagingInfo) error {
	dir := filepath.Dir(filepath.Clean(info.Path))
	if dir == b.root || !strings.HasPrefix(dir, b.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: staging path %q is outside root %q", domain.ErrInvalidArgument, info.Path, b.root)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}

	b.logger.Info("Deleted staging area", zap.String("path", info.Path))
	return nil
}

// FreeBytes reports the available space on the filesystem holding the root.
func (b *PathBackend) FreeBytes(ctx context.Context) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(b.root, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat staging root: %w", err)
	}
	return int64(stat.Bavail * uint64(stat.Bsize)), nil
}

// Directions returns the filesystem path agents stream the image to.
func (b *PathBackend) Directions(info *domain.StagingInfo) Directions {
	return Directions{Kind: "path", Path: info.Path}
}
