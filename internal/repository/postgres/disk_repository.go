package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/disk"
)

// Ensure DiskRepository implements disk.Repository
var _ disk.Repository = (*DiskRepository)(nil)

// DiskRepository stores the latest disk scan per (node, device) in
// PostgreSQL. Partition layouts are JSONB.
type DiskRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDiskRepository creates a new PostgreSQL disk repository.
func NewDiskRepository(db *DB, logger *zap.Logger) *DiskRepository {
	return &DiskRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "disk")),
	}
}

// Upsert stores a scan, replacing any previous scan of the same device.
func (r *DiskRepository) Upsert(ctx context.Context, d *domain.DiskInfo) error {
	partitionsJSON, err := json.Marshal(d.Partitions)
	if err != nil {
		return fmt.Errorf("failed to marshal partitions: %w", err)
	}

	query := `
		INSERT INTO disks (
			node_id, device, size_bytes, model, serial, partition_table,
			partitions, scanned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id, device) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			model = EXCLUDED.model,
			serial = EXCLUDED.serial,
			partition_table = EXCLUDED.partition_table,
			partitions = EXCLUDED.partitions,
			scanned_at = EXCLUDED.scanned_at
	`
	_, err = r.db.pool.Exec(ctx, query,
		d.NodeID,
		d.Device,
		d.SizeBytes,
		nullString(d.Model),
		nullString(d.Serial),
		string(d.PartitionTable),
		partitionsJSON,
		d.ScannedAt,
	)
	if err != nil {
		r.logger.Error("Failed to upsert disk scan",
			zap.Error(err),
			zap.String("node_id", d.NodeID),
			zap.String("device", d.Device),
		)
		return fmt.Errorf("failed to upsert disk: %w", err)
	}
	return nil
}

// Get retrieves the latest scan for a device.
func (r *DiskRepository) Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	query := `
		SELECT node_id, device, size_bytes, model, serial, partition_table,
		       partitions, scanned_at
		FROM disks
		WHERE node_id = $1 AND device = $2
	`
	d, err := scanDisk(r.db.pool.QueryRow(ctx, query, nodeID, device))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disk: %w", err)
	}
	return d, nil
}

// ListByNode returns all known disks of a node sorted by device path.
func (r *DiskRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.DiskInfo, error) {
	query := `
		SELECT node_id, device, size_bytes, model, serial, partition_table,
		       partitions, scanned_at
		FROM disks
		WHERE node_id = $1
		ORDER BY device
	`
	rows, err := r.db.pool.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}
	defer rows.Close()

	var disks []*domain.DiskInfo
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan disk row: %w", err)
		}
		disks = append(disks, d)
	}
	return disks, rows.Err()
}

func scanDisk(row pgx.Row) (*domain.DiskInfo, error) {
	var (
		d              domain.DiskInfo
		model, serial  *string
		table          string
		partitionsJSON []byte
	)

	err := row.Scan(
		&d.NodeID,
		&d.Device,
		&d.SizeBytes,
		&model,
		&serial,
		&table,
		&partitionsJSON,
		&d.ScannedAt,
	)
	if err != nil {
		return nil, err
	}

	if model != nil {
		d.Model = *model
	}
	if serial != nil {
		d.Serial = *serial
	}
	d.PartitionTable = domain.PartitionTableType(table)
	if len(partitionsJSON) > 0 {
		if err := json.Unmarshal(partitionsJSON, &d.Partitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal partitions: %w", err)
		}
	}
	return &d, nil
}
