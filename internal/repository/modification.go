package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/equipsync/equipsync-go/internal/model"
)

var ErrModificationNotFound = errors.New("pending modification not found")

// ModificationRepository handles local-edit persistence.
type ModificationRepository struct {
	db *sql.DB
}

// NewModificationRepository creates a new ModificationRepository.
func NewModificationRepository(db *sql.DB) *ModificationRepository {
	return &ModificationRepository{db: db}
}

// Create inserts a new pending modification.
func (r *ModificationRepository) Create(ctx context.Context, m *model.PendingModification) error {
	delta, err := marshalFields(m.Delta)
	if err != nil {
		return err
	}
	snapshot, err := marshalFields(m.Snapshot)
	if err != nil {
		return err
	}

	query := `INSERT INTO pending_modifications
		(id, record_id, organization_id, endpoint_id, business_key, delta, snapshot, author, sync_status, base_version, base_remote_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.RecordID, m.OrganizationID, m.EndpointID, m.BusinessKey,
		delta, snapshot, m.Author, m.SyncStatus, m.BaseVersion, m.BaseRemoteVersion)
	return err
}

// Get retrieves a modification by id.
func (r *ModificationRepository) Get(ctx context.Context, id string) (*model.PendingModification, error) {
	query := `SELECT id, record_id, organization_id, endpoint_id, business_key, delta, snapshot, author,
			sync_status, base_version, base_remote_version, created_at, updated_at
		FROM pending_modifications WHERE id = ?`

	m := &model.PendingModification{}
	var delta, snapshot []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.RecordID, &m.OrganizationID, &m.EndpointID, &m.BusinessKey, &delta, &snapshot,
		&m.Author, &m.SyncStatus, &m.BaseVersion, &m.BaseRemoteVersion,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModificationNotFound
		}
		return nil, err
	}

	if m.Delta, err = unmarshalFields(delta); err != nil {
		return nil, err
	}
	if m.Snapshot, err = unmarshalFields(snapshot); err != nil {
		return nil, err
	}
	return m, nil
}

// HasActive reports whether the record already has a non-terminal
// modification. A record carries at most one active edit at a time.
func (r *ModificationRepository) HasActive(ctx context.Context, recordID int64) (bool, error) {
	query := `SELECT COUNT(*) FROM pending_modifications
		WHERE record_id = ? AND sync_status IN ('pending_sync', 'queued', 'conflict')`

	var count int
	if err := r.db.QueryRowContext(ctx, query, recordID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetStatus updates a modification's sync status.
func (r *ModificationRepository) SetStatus(ctx context.Context, id string, status model.ModificationStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pending_modifications SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrModificationNotFound
	}
	return nil
}
