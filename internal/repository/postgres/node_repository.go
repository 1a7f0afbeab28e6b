package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/node"
)

// Ensure NodeRepository implements node.Repository
var _ node.Repository = (*NodeRepository)(nil)

// NodeRepository implements node.Repository using PostgreSQL.
type NodeRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL node repository.
func NewNodeRepository(db *DB, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "node")),
	}
}

const nodeColumns = `
	id, hostname, mac_address, management_ip, agent_port, serial_number,
	architecture, boot_profile, labels, phase, created_at, updated_at,
	last_heartbeat
`

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	query := `
		INSERT INTO nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.pool.Exec(ctx, query,
		n.ID,
		n.Hostname,
		n.MACAddress,
		n.ManagementIP,
		n.AgentPort,
		nullString(n.SerialNumber),
		nullString(n.Architecture),
		nullString(n.BootProfile),
		labelsJSON,
		string(n.Phase),
		n.CreatedAt,
		n.UpdatedAt,
		n.LastHeartbeat,
	)
	if err != nil {
		r.logger.Error("Failed to create node", zap.Error(err), zap.String("hostname", n.Hostname))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}
	return n, nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	n, err := scanNode(r.db.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// GetByMAC retrieves a node by its canonical MAC address.
func (r *NodeRepository) GetByMAC(ctx context.Context, mac string) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE mac_address = $1`
	n, err := scanNode(r.db.pool.QueryRow(ctx, query, mac))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node by mac: %w", err)
	}
	return n, nil
}

// List returns nodes matching the filter sorted by hostname.
func (r *NodeRepository) List(ctx context.Context, filter node.Filter, limit, offset int) ([]*domain.Node, int, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM nodes WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Phase != "" {
		clause := fmt.Sprintf(" AND phase = $%d", argNum)
		query += clause
		countQuery += clause
		args = append(args, string(filter.Phase))
		argNum++
	}
	if filter.Hostname != "" {
		clause := fmt.Sprintf(" AND hostname ILIKE $%d", argNum)
		query += clause
		countQuery += clause
		args = append(args, "%"+filter.Hostname+"%")
		argNum++
	}

	var total int
	if err := r.db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count nodes: %w", err)
	}

	query += " ORDER BY hostname, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
		argNum++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, total, rows.Err()
}

// Update replaces a stored node.
func (r *NodeRepository) Update(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	n.UpdatedAt = time.Now()

	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	query := `
		UPDATE nodes SET
			hostname = $2, mac_address = $3, management_ip = $4, agent_port = $5,
			serial_number = $6, architecture = $7, boot_profile = $8, labels = $9,
			phase = $10, updated_at = $11, last_heartbeat = $12
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		n.ID,
		n.Hostname,
		n.MACAddress,
		n.ManagementIP,
		n.AgentPort,
		nullString(n.SerialNumber),
		nullString(n.Architecture),
		nullString(n.BootProfile),
		labelsJSON,
		string(n.Phase),
		n.UpdatedAt,
		n.LastHeartbeat,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

// Delete removes a node.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	var (
		n                     domain.Node
		serial, arch, profile *string
		labelsJSON            []byte
		phase                 string
	)

	err := row.Scan(
		&n.ID,
		&n.Hostname,
		&n.MACAddress,
		&n.ManagementIP,
		&n.AgentPort,
		&serial,
		&arch,
		&profile,
		&labelsJSON,
		&phase,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}

	if serial != nil {
		n.SerialNumber = *serial
	}
	if arch != nil {
		n.Architecture = *arch
	}
	if profile != nil {
		n.BootProfile = *profile
	}
	n.Phase = domain.NodePhase(phase)
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &n.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	return &n, nil
}
