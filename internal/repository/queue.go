package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/equipsync/equipsync-go/internal/model"
)

var ErrItemNotFound = errors.New("write queue item not found")

// QueueRepository handles write queue persistence.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// insertIfAbsentQuery enforces at-most-one non-terminal item per
// modification at the database, so concurrent enqueue attempts cannot
// both insert.
const insertIfAbsentQuery = `
	INSERT INTO write_queue_items
		(id, modification_id, business_key, organization_id, endpoint_id, operation, payload, priority, force_write, scheduled_at, status)
	SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending' FROM DUAL
	WHERE NOT EXISTS (
		SELECT 1 FROM write_queue_items
		WHERE modification_id = ? AND status IN ('pending', 'processing', 'held')
	)`

// InsertIfAbsent inserts a queue item unless a non-terminal item already
// covers the modification. Returns false when the insert was skipped.
func (r *QueueRepository) InsertIfAbsent(ctx context.Context, item *model.WriteQueueItem) (bool, error) {
	payload, err := marshalFields(item.Payload)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, insertIfAbsentQuery,
		item.ID, item.ModificationID, item.BusinessKey, item.OrganizationID, item.EndpointID,
		item.Operation, payload, item.Priority, item.Force, item.ScheduledAt,
		item.ModificationID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const itemColumns = `id, modification_id, business_key, organization_id, endpoint_id, operation, payload,
	priority, force_write, scheduled_at, status, attempts, last_error, claimed_at, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*model.WriteQueueItem, error) {
	item := &model.WriteQueueItem{}
	var payload []byte
	var lastError sql.NullString
	var claimedAt sql.NullTime
	err := row.Scan(
		&item.ID, &item.ModificationID, &item.BusinessKey, &item.OrganizationID, &item.EndpointID,
		&item.Operation, &payload, &item.Priority, &item.Force, &item.ScheduledAt,
		&item.Status, &item.Attempts, &lastError, &claimedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.LastError = lastError.String
	item.ClaimedAt = nullTime(claimedAt)
	if item.Payload, err = unmarshalFields(payload); err != nil {
		return nil, err
	}
	return item, nil
}

// Get retrieves a queue item by id.
func (r *QueueRepository) Get(ctx context.Context, id string) (*model.WriteQueueItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM write_queue_items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// GetActiveByModification returns the non-terminal item covering a
// modification, or ErrItemNotFound.
func (r *QueueRepository) GetActiveByModification(ctx context.Context, modificationID string) (*model.WriteQueueItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM write_queue_items
			WHERE modification_id = ? AND status IN ('pending', 'processing', 'held')
			LIMIT 1`, modificationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// ClaimNext atomically claims the next due item for an organization in
// priority-then-schedule order. Returns nil when nothing is due. The
// two-step select-then-guarded-update makes the claim safe against a
// concurrent drainer: the UPDATE's status guard loses the race cleanly.
func (r *QueueRepository) ClaimNext(ctx context.Context, organizationID string) (*model.WriteQueueItem, error) {
	for {
		item, err := scanItem(r.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM write_queue_items
				WHERE organization_id = ? AND status = 'pending' AND scheduled_at <= NOW()
				ORDER BY priority DESC, scheduled_at ASC
				LIMIT 1`, organizationID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		result, err := r.db.ExecContext(ctx,
			`UPDATE write_queue_items SET status = 'processing', claimed_at = NOW()
				WHERE id = ? AND status = 'pending'`, item.ID)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected > 0 {
			item.Status = model.ItemProcessing
			return item, nil
		}
		// Lost the claim race; pick the next candidate.
	}
}

// Complete marks a processing item completed.
func (r *QueueRepository) Complete(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.ItemCompleted, "")
}

// Reschedule returns a processing item to pending with a new attempt count
// and backoff schedule.
func (r *QueueRepository) Reschedule(ctx context.Context, id string, attempts int, nextAt time.Time, lastError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items
			SET status = 'pending', attempts = ?, scheduled_at = ?, last_error = ?, claimed_at = NULL
			WHERE id = ?`, attempts, nextAt, lastError, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Fail marks an item terminally failed. Failed items stay queryable for
// operator inspection; nothing deletes them.
func (r *QueueRepository) Fail(ctx context.Context, id string, attempts int, lastError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`,
		attempts, lastError, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Hold parks a processing item behind an unresolved conflict.
func (r *QueueRepository) Hold(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.ItemHeld, "")
}

// Release returns a held item to pending, optionally replacing its payload
// and forcing the write past the conflict check.
func (r *QueueRepository) Release(ctx context.Context, id string, payload map[string]any, force bool) error {
	encoded, err := marshalFields(payload)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items
			SET status = 'pending', payload = ?, force_write = ?, scheduled_at = NOW(), claimed_at = NULL
			WHERE id = ? AND status = 'held'`, encoded, force, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// CompleteHeld closes a held item without writing (use_remote resolution).
func (r *QueueRepository) CompleteHeld(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items SET status = 'completed' WHERE id = ? AND status = 'held'`, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ReleaseExpiredClaims returns items stuck in processing beyond the lease
// to pending. Recovers claims orphaned by a crash mid-write.
func (r *QueueRepository) ReleaseExpiredClaims(ctx context.Context, lease time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items
			SET status = 'pending', claimed_at = NULL
			WHERE status = 'processing' AND claimed_at < NOW() - INTERVAL ? SECOND`,
		int64(lease.Seconds()))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDueOrganizations returns organizations that currently have due
// pending items.
func (r *QueueRepository) ListDueOrganizations(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT organization_id FROM write_queue_items
			WHERE status = 'pending' AND scheduled_at <= NOW()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// List returns an organization's queue items, newest first.
func (r *QueueRepository) List(ctx context.Context, organizationID string, limit int) ([]model.WriteQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM write_queue_items
			WHERE organization_id = ? ORDER BY created_at DESC LIMIT ?`,
		organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.WriteQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Stats summarizes the organization's queue by status.
func (r *QueueRepository) Stats(ctx context.Context, organizationID string) (*model.QueueStatsResponse, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM write_queue_items
			WHERE organization_id = ? GROUP BY status`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.QueueStatsResponse{AsOf: time.Now().UTC()}
	for rows.Next() {
		var status model.QueueItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case model.ItemPending:
			stats.Pending = count
		case model.ItemProcessing:
			stats.Processing = count
		case model.ItemHeld:
			stats.Held = count
		case model.ItemCompleted:
			stats.Completed = count
		case model.ItemFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_at) FROM write_queue_items
			WHERE organization_id = ? AND status = 'pending'`, organizationID).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPendingAge = time.Since(oldest.Time).Seconds()
	}

	return stats, nil
}

func (r *QueueRepository) setStatus(ctx context.Context, id string, status model.QueueItemStatus, lastError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE write_queue_items SET status = ?, last_error = ? WHERE id = ?`,
		status, lastError, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}
