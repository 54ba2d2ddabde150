package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/equipsync/equipsync-go/internal/model"
)

var ErrBatchNotFound = errors.New("sync batch not found")

// BatchRepository handles sync batch persistence.
type BatchRepository struct {
	db *sql.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new running batch.
func (r *BatchRepository) Create(ctx context.Context, b *model.SyncBatch) error {
	query := `INSERT INTO sync_batches (id, kind, status, total) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, b.ID, b.Kind, b.Status, b.Total)
	return err
}

// Get retrieves a batch by id.
func (r *BatchRepository) Get(ctx context.Context, id string) (*model.SyncBatch, error) {
	query := `SELECT id, kind, status, total, completed, failed, created_at, completed_at
		FROM sync_batches WHERE id = ?`

	b := &model.SyncBatch{}
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.Kind, &b.Status, &b.Total, &b.Completed, &b.Failed,
		&b.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	b.CompletedAt = nullTime(completedAt)
	return b, nil
}

// RecordMemberResult bumps the batch's completed/failed counters
// atomically and returns the counters after the bump. Member completions
// arrive from concurrent job goroutines, so the increment must not be a
// read-modify-write.
func (r *BatchRepository) RecordMemberResult(ctx context.Context, id string, failed bool) (*model.SyncBatch, error) {
	failedInc := 0
	if failed {
		failedInc = 1
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_batches SET completed = completed + 1, failed = failed + ? WHERE id = ?`,
		failedInc, id)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrBatchNotFound
	}
	return r.Get(ctx, id)
}

// Finalize moves a running batch to its terminal status. The status guard
// keeps two racing member completions from finalizing twice.
func (r *BatchRepository) Finalize(ctx context.Context, id string, status model.BatchStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_batches SET status = ?, completed_at = NOW() WHERE id = ? AND status = 'running'`,
		status, id)
	return err
}

// AggregateCounters sums record counters across the batch's member jobs.
// Computed on read, never stored.
func (r *BatchRepository) AggregateCounters(ctx context.Context, id string) (processed, inserted, updated, errored int64, err error) {
	query := `SELECT COALESCE(SUM(processed), 0), COALESCE(SUM(inserted), 0),
			COALESCE(SUM(updated), 0), COALESCE(SUM(errored), 0)
		FROM sync_jobs WHERE batch_id = ?`
	err = r.db.QueryRowContext(ctx, query, id).Scan(&processed, &inserted, &updated, &errored)
	return
}
