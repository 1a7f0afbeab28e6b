package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/auth"
)

// Ensure AuditRepository implements auth.AuditRepository
var _ auth.AuditRepository = (*AuditRepository)(nil)

// AuditRepository implements auth.AuditRepository using PostgreSQL.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new PostgreSQL audit repository.
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "audit")),
	}
}

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		if detailsJSON, err = json.Marshal(entry.Details); err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_log (
			id, key_id, key_name, action, resource_type, resource_id,
			details, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := r.db.pool.QueryRow(ctx, query,
		entry.ID,
		entry.KeyID,
		entry.KeyName,
		string(entry.Action),
		entry.ResourceType,
		entry.ResourceID,
		detailsJSON,
		entry.IPAddress,
	).Scan(&entry.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to write audit entry", zap.Error(err))
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (r *AuditRepository) List(ctx context.Context, filter auth.AuditFilter, limit, offset int) ([]*domain.AuditEntry, int, error) {
	query := `
		SELECT id, key_id, key_name, action, resource_type, resource_id,
		       details, ip_address, created_at
		FROM audit_log
		WHERE 1=1
	`
	countQuery := `SELECT COUNT(*) FROM audit_log WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	addClause := func(clause string, arg interface{}) {
		query += fmt.Sprintf(clause, argNum)
		countQuery += fmt.Sprintf(clause, argNum)
		args = append(args, arg)
		argNum++
	}

	if filter.KeyID != "" {
		addClause(" AND key_id = $%d", filter.KeyID)
	}
	if filter.Action != "" {
		addClause(" AND action = $%d", string(filter.Action))
	}
	if filter.ResourceType != "" {
		addClause(" AND resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		addClause(" AND resource_id = $%d", filter.ResourceID)
	}
	if filter.StartTime != nil {
		addClause(" AND created_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		addClause(" AND created_at <= $%d", *filter.EndTime)
	}

	var total int
	if err := r.db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query += " ORDER BY created_at DESC, id"
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
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var (
			entry       domain.AuditEntry
			action      string
			detailsJSON []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.KeyID,
			&entry.KeyName,
			&action,
			&entry.ResourceType,
			&entry.ResourceID,
			&detailsJSON,
			&entry.IPAddress,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Action = domain.AuditAction(action)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				r.logger.Warn("Failed to unmarshal audit details", zap.Error(err))
			}
		}
		entries = append(entries, &entry)
	}
	return entries, total, rows.Err()
}
