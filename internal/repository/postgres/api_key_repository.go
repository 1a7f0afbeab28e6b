package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/auth"
)

// Ensure APIKeyRepository implements auth.APIKeyRepository
var _ auth.APIKeyRepository = (*APIKeyRepository)(nil)

// APIKeyRepository implements auth.APIKeyRepository using PostgreSQL.
type APIKeyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAPIKeyRepository creates a new PostgreSQL API key repository.
func NewAPIKeyRepository(db *DB, logger *zap.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "api_key")),
	}
}

// Create stores a new API key.
func (r *APIKeyRepository) Create(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}

	query := `
		INSERT INTO api_keys (id, name, prefix, secret_hash, role, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.pool.QueryRow(ctx, query,
		key.ID,
		key.Name,
		key.Prefix,
		key.SecretHash,
		string(key.Role),
		key.Enabled,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create API key", zap.Error(err), zap.String("name", key.Name))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert API key: %w", err)
	}
	return key, nil
}

// Get retrieves a key by ID.
func (r *APIKeyRepository) Get(ctx context.Context, id string) (*domain.APIKey, error) {
	return r.getWhere(ctx, "id = $1", id)
}

// GetByPrefix retrieves a key by its public prefix.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	return r.getWhere(ctx, "prefix = $1", prefix)
}

func (r *APIKeyRepository) getWhere(ctx context.Context, where string, arg interface{}) (*domain.APIKey, error) {
	query := `
		SELECT id, name, prefix, secret_hash, role, enabled,
		       created_at, updated_at, last_used_at
		FROM api_keys
		WHERE ` + where
	key, err := scanAPIKey(r.db.pool.QueryRow(ctx, query, arg))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return key, nil
}

// List returns all keys, newest first.
func (r *APIKeyRepository) List(ctx context.Context, limit, offset int) ([]*domain.APIKey, int, error) {
	var total int
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count API keys: %w", err)
	}

	query := `
		SELECT id, name, prefix, secret_hash, role, enabled,
		       created_at, updated_at, last_used_at
		FROM api_keys
		ORDER BY created_at DESC, id
	`
	args := []interface{}{}
	argNum := 1
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
		return nil, 0, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan API key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, total, rows.Err()
}

// Update replaces a stored key.
func (r *APIKeyRepository) Update(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	key.UpdatedAt = time.Now()

	query := `
		UPDATE api_keys SET
			name = $2, role = $3, enabled = $4, updated_at = $5
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		key.ID,
		key.Name,
		string(key.Role),
		key.Enabled,
		key.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return key, nil
}

// Delete removes a key.
func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchLastUsed records a successful verification.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch API key: %w", err)
	}
	return nil
}

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var (
		key  domain.APIKey
		role string
	)
	err := row.Scan(
		&key.ID,
		&key.Name,
		&key.Prefix,
		&key.SecretHash,
		&role,
		&key.Enabled,
		&key.CreatedAt,
		&key.UpdatedAt,
		&key.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	key.Role = domain.Role(role)
	return &key, nil
}
