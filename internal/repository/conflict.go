package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/equipsync/equipsync-go/internal/model"
)

var (
	ErrConflictNotFound        = errors.New("sync conflict not found")
	ErrConflictAlreadyResolved = errors.New("sync conflict already resolved")
)

// ConflictRepository handles sync conflict persistence.
type ConflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a new ConflictRepository.
func NewConflictRepository(db *sql.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// Create inserts a new unresolved conflict.
func (r *ConflictRepository) Create(ctx context.Context, c *model.SyncConflict) error {
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("encoding conflict fields: %w", err)
	}
	local, err := marshalFields(c.LocalPayload)
	if err != nil {
		return err
	}
	remote, err := marshalFields(c.RemotePayload)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_conflicts
		(id, modification_id, queue_item_id, business_key, organization_id, endpoint_id,
		 local_version, remote_version, conflict_fields, local_payload, remote_payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.ModificationID, c.QueueItemID, c.BusinessKey, c.OrganizationID, c.EndpointID,
		c.LocalVersion, c.RemoteVersion, fields, local, remote, c.Status)
	return err
}

const conflictColumns = `id, modification_id, queue_item_id, business_key, organization_id, endpoint_id,
	local_version, remote_version, conflict_fields, local_payload, remote_payload,
	status, resolution, merged_payload, resolved_by, detected_at, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (*model.SyncConflict, error) {
	c := &model.SyncConflict{}
	var fields, local, remote, merged []byte
	var resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.ModificationID, &c.QueueItemID, &c.BusinessKey, &c.OrganizationID, &c.EndpointID,
		&c.LocalVersion, &c.RemoteVersion, &fields, &local, &remote,
		&c.Status, &c.Resolution, &merged, &c.ResolvedBy, &c.DetectedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ResolvedAt = nullTime(resolvedAt)

	if err := json.Unmarshal(fields, &c.Fields); err != nil {
		return nil, fmt.Errorf("decoding conflict fields: %w", err)
	}
	if c.LocalPayload, err = unmarshalFields(local); err != nil {
		return nil, err
	}
	if c.RemotePayload, err = unmarshalFields(remote); err != nil {
		return nil, err
	}
	if len(merged) > 0 {
		if c.MergedPayload, err = unmarshalFields(merged); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get retrieves a conflict by id.
func (r *ConflictRepository) Get(ctx context.Context, id string) (*model.SyncConflict, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns an organization's conflicts, optionally filtered by status,
// newest first.
func (r *ConflictRepository) List(ctx context.Context, organizationID string, status model.ConflictStatus) ([]model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE organization_id = ?`
	args := []any{organizationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at DESC LIMIT 200`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// Resolve records the resolution on an unresolved conflict. The status
// guard makes resolution terminal: a second resolve attempt affects no
// rows and surfaces ErrConflictAlreadyResolved.
func (r *ConflictRepository) Resolve(ctx context.Context, id string, resolution model.Resolution, mergedPayload map[string]any, resolvedBy string) error {
	var merged any
	if mergedPayload != nil {
		encoded, err := marshalFields(mergedPayload)
		if err != nil {
			return err
		}
		merged = encoded
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_conflicts
			SET status = 'resolved', resolution = ?, merged_payload = ?, resolved_by = ?, resolved_at = NOW()
			WHERE id = ? AND status = 'unresolved'`,
		resolution, merged, resolvedBy, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing conflict from a terminal one.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflictAlreadyResolved
	}
	return nil
}
