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
	"github.com/ironpxe/ironpxe/internal/services/clone"
)

// Ensure SessionRepository implements clone.SessionRepository
var _ clone.SessionRepository = (*SessionRepository)(nil)

// SessionRepository implements clone.SessionRepository using PostgreSQL.
// Certificate PEM material lives in dedicated columns; everything the JSON
// snapshot carries (staging, plan, metadata) is stored as JSONB.
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(db *DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "session")),
	}
}

const sessionColumns = `
	id, name, mode, status, phase,
	source_node_id, target_node_id, source_device, target_device,
	source_ip, source_port,
	source_certificate, source_certificate_pem, source_private_key_pem,
	target_certificate, target_certificate_pem, target_private_key_pem,
	staging, resize_mode, partition_plan,
	bytes_total, bytes_transferred, transfer_rate_bps, error_message,
	created_at, updated_at, started_at, completed_at
`

// certMeta is the JSONB half of a stored certificate; key material is kept
// out of it and travels in its own columns.
type certMeta struct {
	SerialNumber int64                  `json:"serial_number"`
	Role         domain.CertificateRole `json:"role"`
	NotBefore    time.Time              `json:"not_before"`
	NotAfter     time.Time              `json:"not_after"`
}

// Create stores a new clone session.
func (r *SessionRepository) Create(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	args, err := sessionArgs(session)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO clone_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`
	if _, err := r.db.pool.Exec(ctx, query, args...); err != nil {
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("session_id", session.ID))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.CloneSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM clone_sessions WHERE id = $1`
	session, err := scanSession(r.db.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List returns a paginated list of sessions matching the filter.
func (r *SessionRepository) List(ctx context.Context, filter clone.SessionFilter, limit, offset int) ([]*domain.CloneSession, int, error) {
	query := `SELECT ` + sessionColumns + ` FROM clone_sessions WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM clone_sessions WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Status != "" {
		clause := fmt.Sprintf(" AND status = $%d", argNum)
		query += clause
		countQuery += clause
		args = append(args, string(filter.Status))
		argNum++
	}
	if filter.Mode != "" {
		clause := fmt.Sprintf(" AND mode = $%d", argNum)
		query += clause
		countQuery += clause
		args = append(args, string(filter.Mode))
		argNum++
	}
	if filter.NodeID != "" {
		clause := fmt.Sprintf(" AND (source_node_id = $%d OR target_node_id = $%d)", argNum, argNum)
		query += clause
		countQuery += clause
		args = append(args, filter.NodeID)
		argNum++
	}

	var total int
	if err := r.db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
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
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CloneSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

// ListActive returns all sessions that have not reached a terminal status.
func (r *SessionRepository) ListActive(ctx context.Context) ([]*domain.CloneSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM clone_sessions
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at
	`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CloneSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Update replaces a stored session. updated_at is written exactly as set by
// the caller; the sweeper reads it back as callback freshness.
func (r *SessionRepository) Update(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error) {
	args, err := sessionArgs(session)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE clone_sessions SET
			name = $2, mode = $3, status = $4, phase = $5,
			source_node_id = $6, target_node_id = $7, source_device = $8, target_device = $9,
			source_ip = $10, source_port = $11,
			source_certificate = $12, source_certificate_pem = $13, source_private_key_pem = $14,
			target_certificate = $15, target_certificate_pem = $16, target_private_key_pem = $17,
			staging = $18, resize_mode = $19, partition_plan = $20,
			bytes_total = $21, bytes_transferred = $22, transfer_rate_bps = $23, error_message = $24,
			created_at = $25, updated_at = $26, started_at = $27, completed_at = $28
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update session", zap.Error(err), zap.String("session_id", session.ID))
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

// Delete removes a session.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM clone_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// sessionArgs flattens a session into the positional argument list shared by
// Create and Update.
func sessionArgs(session *domain.CloneSession) ([]interface{}, error) {
	var stagingJSON, planJSON []byte
	var err error
	if session.Staging != nil {
		if stagingJSON, err = json.Marshal(session.Staging); err != nil {
			return nil, fmt.Errorf("failed to marshal staging: %w", err)
		}
	}
	if session.PartitionPlan != nil {
		if planJSON, err = json.Marshal(session.PartitionPlan); err != nil {
			return nil, fmt.Errorf("failed to marshal partition plan: %w", err)
		}
	}

	srcMeta, srcCert, srcKey, err := certArgs(session.SourceCertificate)
	if err != nil {
		return nil, err
	}
	tgtMeta, tgtCert, tgtKey, err := certArgs(session.TargetCertificate)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		session.ID,
		session.Name,
		string(session.Mode),
		string(session.Status),
		string(session.Phase),
		session.SourceNodeID,
		nullString(session.TargetNodeID),
		session.SourceDevice,
		session.TargetDevice,
		nullString(session.SourceIP),
		session.SourcePort,
		srcMeta, srcCert, srcKey,
		tgtMeta, tgtCert, tgtKey,
		stagingJSON,
		string(session.ResizeMode),
		planJSON,
		session.BytesTotal,
		session.BytesTransferred,
		session.TransferRateBps,
		nullString(session.ErrorMessage),
		session.CreatedAt,
		session.UpdatedAt,
		session.StartedAt,
		session.CompletedAt,
	}, nil
}

func certArgs(cert *domain.SessionCertificate) ([]byte, *string, *string, error) {
	if cert == nil {
		return nil, nil, nil, nil
	}
	meta, err := json.Marshal(certMeta{
		SerialNumber: cert.SerialNumber,
		Role:         cert.Role,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal certificate: %w", err)
	}
	return meta, nullString(cert.CertificatePEM), nullString(cert.PrivateKeyPEM), nil
}

func scanSession(row pgx.Row) (*domain.CloneSession, error) {
	var (
		session                     domain.CloneSession
		mode, status, phase, resize string
		targetNodeID, sourceIP      *string
		srcMeta, tgtMeta            []byte
		srcCertPEM, srcKeyPEM       *string
		tgtCertPEM, tgtKeyPEM       *string
		stagingJSON, planJSON       []byte
		errorMessage                *string
	)

	err := row.Scan(
		&session.ID,
		&session.Name,
		&mode,
		&status,
		&phase,
		&session.SourceNodeID,
		&targetNodeID,
		&session.SourceDevice,
		&session.TargetDevice,
		&sourceIP,
		&session.SourcePort,
		&srcMeta, &srcCertPEM, &srcKeyPEM,
		&tgtMeta, &tgtCertPEM, &tgtKeyPEM,
		&stagingJSON,
		&resize,
		&planJSON,
		&session.BytesTotal,
		&session.BytesTransferred,
		&session.TransferRateBps,
		&errorMessage,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.StartedAt,
		&session.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Mode = domain.CloneMode(mode)
	session.Status = domain.SessionStatus(status)
	session.Phase = domain.TransferPhase(phase)
	session.ResizeMode = domain.ResizeMode(resize)
	if targetNodeID != nil {
		session.TargetNodeID = *targetNodeID
	}
	if sourceIP != nil {
		session.SourceIP = *sourceIP
	}
	if errorMessage != nil {
		session.ErrorMessage = *errorMessage
	}

	if len(stagingJSON) > 0 {
		session.Staging = &domain.StagingInfo{}
		if err := json.Unmarshal(stagingJSON, session.Staging); err != nil {
			return nil, fmt.Errorf("failed to unmarshal staging: %w", err)
		}
	}
	if len(planJSON) > 0 {
		if err := json.Unmarshal(planJSON, &session.PartitionPlan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal partition plan: %w", err)
		}
	}
	if session.SourceCertificate, err = scanCert(srcMeta, srcCertPEM, srcKeyPEM); err != nil {
		return nil, err
	}
	if session.TargetCertificate, err = scanCert(tgtMeta, tgtCertPEM, tgtKeyPEM); err != nil {
		return nil, err
	}
	return &session, nil
}

func scanCert(meta []byte, certPEM, keyPEM *string) (*domain.SessionCertificate, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	var m certMeta
	if err := json.Unmarshal(meta, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal certificate: %w", err)
	}
	cert := &domain.SessionCertificate{
		SerialNumber: m.SerialNumber,
		Role:         m.Role,
		NotBefore:    m.NotBefore,
		NotAfter:     m.NotAfter,
	}
	if certPEM != nil {
		cert.CertificatePEM = *certPEM
	}
	if keyPEM != nil {
		cert.PrivateKeyPEM = *keyPEM
	}
	return cert, nil
}
