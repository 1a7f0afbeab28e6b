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
	"github.com/ironpxe/ironpxe/internal/services/partition"
)

// Ensure OperationRepository implements partition.OperationRepository
var _ partition.OperationRepository = (*OperationRepository)(nil)

// OperationRepository implements partition.OperationRepository using
// PostgreSQL. Operation params are stored as JSONB tagged with the
// operation type and decoded back through the params union.
type OperationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOperationRepository creates a new PostgreSQL operation repository.
func NewOperationRepository(db *DB, logger *zap.Logger) *OperationRepository {
	return &OperationRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "operation")),
	}
}

const operationColumns = `
	id, node_id, session_id, device, operation, params, sequence,
	status, error_message, created_at, updated_at
`

// Create stores a new operation.
func (r *OperationRepository) Create(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	paramsJSON, err := json.Marshal(op.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO partition_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.pool.Exec(ctx, query,
		op.ID,
		op.NodeID,
		nullString(op.SessionID),
		op.Device,
		string(op.Operation),
		paramsJSON,
		op.Sequence,
		string(op.Status),
		nullString(op.ErrorMessage),
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create operation", zap.Error(err), zap.String("operation_id", op.ID))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}
	return op, nil
}

// Get retrieves an operation by ID.
func (r *OperationRepository) Get(ctx context.Context, id string) (*domain.PartitionOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM partition_operations WHERE id = $1`
	op, err := scanOperation(r.db.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// List returns operations matching the filter in sequence order.
func (r *OperationRepository) List(ctx context.Context, filter partition.OperationFilter) ([]*domain.PartitionOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM partition_operations WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.NodeID != "" {
		query += fmt.Sprintf(" AND node_id = $%d", argNum)
		args = append(args, filter.NodeID)
		argNum++
	}
	if filter.Device != "" {
		query += fmt.Sprintf(" AND device = $%d", argNum)
		args = append(args, filter.Device)
		argNum++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argNum)
		args = append(args, filter.SessionID)
		argNum++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	query += " ORDER BY sequence, created_at"

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*domain.PartitionOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListByDevice returns the full queue for one device in sequence order.
func (r *OperationRepository) ListByDevice(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error) {
	return r.List(ctx, partition.OperationFilter{NodeID: nodeID, Device: device})
}

// Update replaces a stored operation.
func (r *OperationRepository) Update(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error) {
	op.UpdatedAt = time.Now()

	paramsJSON, err := json.Marshal(op.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		UPDATE partition_operations SET
			node_id = $2, session_id = $3, device = $4, operation = $5,
			params = $6, sequence = $7, status = $8, error_message = $9,
			updated_at = $10
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		op.ID,
		op.NodeID,
		nullString(op.SessionID),
		op.Device,
		string(op.Operation),
		paramsJSON,
		op.Sequence,
		string(op.Status),
		nullString(op.ErrorMessage),
		op.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return op, nil
}

// Delete removes an operation.
func (r *OperationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM partition_operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// NextSequence returns the next queue position for a device.
func (r *OperationRepository) NextSequence(ctx context.Context, nodeID, device string) (int32, error) {
	var max int32
	query := `
		SELECT COALESCE(MAX(sequence), 0)
		FROM partition_operations
		WHERE node_id = $1 AND device = $2
	`
	if err := r.db.pool.QueryRow(ctx, query, nodeID, device).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to compute next sequence: %w", err)
	}
	return max + 1, nil
}

func scanOperation(row pgx.Row) (*domain.PartitionOperation, error) {
	var (
		op                      domain.PartitionOperation
		operation, status       string
		sessionID, errorMessage *string
		paramsJSON              []byte
	)

	err := row.Scan(
		&op.ID,
		&op.NodeID,
		&sessionID,
		&op.Device,
		&operation,
		&paramsJSON,
		&op.Sequence,
		&status,
		&errorMessage,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Operation = domain.OperationType(operation)
	op.Status = domain.OperationStatus(status)
	if sessionID != nil {
		op.SessionID = *sessionID
	}
	if errorMessage != nil {
		op.ErrorMessage = *errorMessage
	}

	params, err := domain.DecodeOperationParams(op.Operation, paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	op.Params = params
	return &op, nil
}
