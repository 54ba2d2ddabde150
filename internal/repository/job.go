package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/equipsync/equipsync-go/internal/model"
)

var ErrJobNotFound = errors.New("sync job not found")

// JobRepository handles sync job persistence.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new running job.
func (r *JobRepository) Create(ctx context.Context, job *model.SyncJob) error {
	query := `INSERT INTO sync_jobs (id, organization_id, endpoint_id, mode, status, batch_id)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.OrganizationID, job.EndpointID, job.Mode, job.Status, job.BatchID)
	return err
}

const jobColumns = `id, organization_id, endpoint_id, mode, status, batch_id,
	total, processed, inserted, updated, errored, current_page,
	started_at, completed_at, last_error`

func scanJob(row interface{ Scan(...any) error }) (*model.SyncJob, error) {
	job := &model.SyncJob{}
	var completedAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(
		&job.ID, &job.OrganizationID, &job.EndpointID, &job.Mode, &job.Status, &job.BatchID,
		&job.Total, &job.Processed, &job.Inserted, &job.Updated, &job.Errored, &job.CurrentPage,
		&job.StartedAt, &completedAt, &lastError,
	)
	if err != nil {
		return nil, err
	}
	job.CompletedAt = nullTime(completedAt)
	job.LastError = lastError.String
	return job, nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// GetRunning returns the running job for an (organization, endpoint) pair,
// or ErrJobNotFound when none is running.
func (r *JobRepository) GetRunning(ctx context.Context, organizationID, endpointID string) (*model.SyncJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs
			WHERE organization_id = ? AND endpoint_id = ? AND status = 'running'
			ORDER BY started_at DESC LIMIT 1`,
		organizationID, endpointID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// AddCounters applies per-page counter deltas as atomic SQL increments.
func (r *JobRepository) AddCounters(ctx context.Context, id string, processed, inserted, updated, errored int64, currentPage int, total int64) error {
	query := `UPDATE sync_jobs SET
			processed = processed + ?,
			inserted = inserted + ?,
			updated = updated + ?,
			errored = errored + ?,
			current_page = ?,
			total = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, processed, inserted, updated, errored, currentPage, total, id)
	return err
}

// Finish moves a running job to a terminal status. The status guard keeps
// a cancel and a natural completion from both landing.
func (r *JobRepository) Finish(ctx context.Context, id string, status model.JobStatus, lastError string) (bool, error) {
	query := `UPDATE sync_jobs SET status = ?, last_error = ?, completed_at = NOW()
		WHERE id = ? AND status = 'running'`
	result, err := r.db.ExecContext(ctx, query, status, lastError, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Status reads just the job's current status. The pipeline polls this
// between pages for cooperative cancellation.
func (r *JobRepository) Status(ctx context.Context, id string) (model.JobStatus, error) {
	var status model.JobStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM sync_jobs WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return status, nil
}

// LastCompletedStartedAt returns the started-at of the most recent
// completed job for the pair. This is the incremental-mode watermark.
func (r *JobRepository) LastCompletedStartedAt(ctx context.Context, organizationID, endpointID string) (*time.Time, error) {
	var startedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM sync_jobs
			WHERE organization_id = ? AND endpoint_id = ? AND status = 'completed'`,
		organizationID, endpointID).Scan(&startedAt)
	if err != nil {
		return nil, err
	}
	return nullTime(startedAt), nil
}

// ListByBatch returns all member jobs of a batch.
func (r *JobRepository) ListByBatch(ctx context.Context, batchID string) ([]model.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE batch_id = ? ORDER BY started_at ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
