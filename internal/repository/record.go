package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/equipsync/equipsync-go/internal/model"
)

var (
	ErrRecordNotFound = errors.New("mirror record not found")
	ErrStaleVersion   = errors.New("mirror record version moved during edit")
)

// UpsertOutcome reports what an inbound upsert did to the mirror.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertUpdated
)

// RecordRepository handles mirror record persistence.
type RecordRepository struct {
	db *sql.DB
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// upsertFromRemoteQuery applies an inbound record with a remote-version
// guard: a stale page never overwrites a newer remote state, and a record
// carrying unsynced local edits keeps its sync_state.
const upsertFromRemoteQuery = `
	INSERT INTO mirror_records (organization_id, endpoint_id, business_key, fields, version, sync_state, remote_version)
	VALUES (?, ?, ?, ?, 1, 'synced', ?)
	ON DUPLICATE KEY UPDATE
		fields         = IF(VALUES(remote_version) > remote_version, VALUES(fields), fields),
		version        = IF(VALUES(remote_version) > remote_version, version + 1, version),
		remote_version = IF(VALUES(remote_version) > remote_version, VALUES(remote_version), remote_version)`

// UpsertFromRemote inserts or updates a mirror record from an inbound page.
// The version counter is bumped atomically in SQL because the drainer may
// touch the same row concurrently.
func (r *RecordRepository) UpsertFromRemote(ctx context.Context, organizationID, endpointID, businessKey string, fields map[string]any, remoteVersion int64) (UpsertOutcome, error) {
	encoded, err := marshalFields(fields)
	if err != nil {
		return UpsertUpdated, err
	}

	result, err := r.db.ExecContext(ctx, upsertFromRemoteQuery,
		organizationID, endpointID, businessKey, encoded, remoteVersion)
	if err != nil {
		return UpsertUpdated, err
	}

	// MySQL reports 1 affected row for a plain insert and 2 for an
	// insert that fell through to the UPDATE clause.
	affected, err := result.RowsAffected()
	if err != nil {
		return UpsertUpdated, err
	}
	if affected == 1 {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

// GetByBusinessKey retrieves a mirror record by its compound natural key.
func (r *RecordRepository) GetByBusinessKey(ctx context.Context, organizationID, businessKey string) (*model.MirrorRecord, error) {
	query := `SELECT id, organization_id, endpoint_id, business_key, fields, version, sync_state, remote_version, created_at, updated_at
		FROM mirror_records WHERE organization_id = ? AND business_key = ?`

	rec := &model.MirrorRecord{}
	var fields []byte
	err := r.db.QueryRowContext(ctx, query, organizationID, businessKey).Scan(
		&rec.ID, &rec.OrganizationID, &rec.EndpointID, &rec.BusinessKey, &fields,
		&rec.Version, &rec.SyncState, &rec.RemoteVersion, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	if rec.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyLocalEdit merges a changed-field map into the record, bumps the
// version counter atomically and marks the record pending_sync. Returns
// the record as it was before the edit so the caller can snapshot it.
func (r *RecordRepository) ApplyLocalEdit(ctx context.Context, organizationID, businessKey string, delta map[string]any) (*model.MirrorRecord, error) {
	before, err := r.GetByBusinessKey(ctx, organizationID, businessKey)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(before.Fields)+len(delta))
	for k, v := range before.Fields {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}

	encoded, err := marshalFields(merged)
	if err != nil {
		return nil, err
	}

	// The version guard makes the read-merge-write safe against a
	// concurrent inbound upsert bumping the counter underneath us.
	query := `UPDATE mirror_records
		SET fields = ?, version = version + 1, sync_state = 'pending_sync'
		WHERE organization_id = ? AND business_key = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query, encoded, organizationID, businessKey, before.Version)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// The row existed moments ago; an inbound upsert won the race.
		return nil, ErrStaleVersion
	}

	return before, nil
}

// SetSyncState updates only the record's sync state.
func (r *RecordRepository) SetSyncState(ctx context.Context, organizationID, businessKey string, state model.SyncState) error {
	query := `UPDATE mirror_records SET sync_state = ? WHERE organization_id = ? AND business_key = ?`
	result, err := r.db.ExecContext(ctx, query, state, organizationID, businessKey)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ConfirmRemoteWrite stores the remote version acknowledged for a pushed
// record and returns the record to the synced state.
func (r *RecordRepository) ConfirmRemoteWrite(ctx context.Context, organizationID, businessKey string, remoteVersion int64) error {
	query := `UPDATE mirror_records SET sync_state = 'synced', remote_version = ?
		WHERE organization_id = ? AND business_key = ?`
	_, err := r.db.ExecContext(ctx, query, remoteVersion, organizationID, businessKey)
	return err
}
