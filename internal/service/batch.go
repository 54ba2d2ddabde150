package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/repository"
)

var (
	ErrBatchNotFound = repository.ErrBatchNotFound
	ErrNoTargets     = errors.New("batch has no targets")
)

// BatchService fans one request out into a job per target and rolls the
// member outcomes up into a batch status.
type BatchService struct {
	batches BatchStore
	jobs    JobStore
	sync    *SyncService
	audit   AuditSink
}

// NewBatchService creates a BatchService and hooks it into the sync
// service's completion callback.
func NewBatchService(batches BatchStore, jobs JobStore, syncSvc *SyncService, audit AuditSink) *BatchService {
	s := &BatchService{
		batches: batches,
		jobs:    jobs,
		sync:    syncSvc,
		audit:   audit,
	}
	syncSvc.SetCompletionCallback(s.OnJobComplete)
	return s
}

// StartBatch creates the batch and starts one job per target. Targets that
// cannot start (missing mapping, a job already running for the pair) count
// as failed members immediately; the rest complete asynchronously.
func (s *BatchService) StartBatch(ctx context.Context, organizationID string, req *model.StartBatchRequest) (*model.StartBatchResponse, error) {
	if len(req.Targets) == 0 {
		return nil, ErrNoTargets
	}
	kind := req.Kind
	if kind == "" {
		kind = "sync"
	}

	batch := &model.SyncBatch{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.BatchRunning,
		Total:     len(req.Targets),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, err
	}

	audit(s.audit, "batch_started", organizationID, map[string]any{
		"batch_id": batch.ID,
		"kind":     kind,
		"targets":  len(req.Targets),
	})

	var jobIDs []string
	for _, target := range req.Targets {
		org := target.OrganizationID
		if org == "" {
			org = organizationID
		}

		job, existing, err := s.sync.start(ctx, org, target.EndpointID, target.Mode, batch.ID)
		if err != nil {
			slog.Warn("batch target failed to start",
				"batch_id", batch.ID, "endpoint_id", target.EndpointID, "error", err)
			s.recordMember(ctx, batch.ID, true)
			continue
		}
		if existing {
			// The running job belongs to an earlier request and will not
			// report back to this batch; count the target as done.
			slog.Info("batch target already syncing",
				"batch_id", batch.ID, "endpoint_id", target.EndpointID, "job_id", job.ID)
			s.recordMember(ctx, batch.ID, false)
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}

	return &model.StartBatchResponse{BatchID: batch.ID, JobIDs: jobIDs}, nil
}

// OnJobComplete rolls a finished member job into its batch. Cancelled and
// failed jobs both count against the batch.
func (s *BatchService) OnJobComplete(job *model.SyncJob) {
	if job.BatchID == "" {
		return
	}
	ctx := context.Background()
	failed := job.Status != model.JobCompleted
	s.recordMember(ctx, job.BatchID, failed)
}

// recordMember counts one finished member and finalizes the batch when the
// last one lands.
func (s *BatchService) recordMember(ctx context.Context, batchID string, failed bool) {
	batch, err := s.batches.RecordMemberResult(ctx, batchID, failed)
	if err != nil {
		slog.Error("batch member roll-up failed", "batch_id", batchID, "error", err)
		return
	}
	if batch.Completed < batch.Total {
		return
	}

	status := model.BatchCompleted
	switch {
	case batch.Failed == batch.Total:
		status = model.BatchFailed
	case batch.Failed > 0:
		status = model.BatchPartial
	}

	if err := s.batches.Finalize(ctx, batchID, status); err != nil {
		slog.Error("batch finalize failed", "batch_id", batchID, "error", err)
		return
	}
	audit(s.audit, "batch_finished", "", map[string]any{
		"batch_id": batchID,
		"status":   string(status),
		"failed":   batch.Failed,
		"total":    batch.Total,
	})
}

// Status reports the batch roll-up plus record counts summed over member
// jobs at read time.
func (s *BatchService) Status(ctx context.Context, batchID string) (*model.BatchStatusResponse, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	processed, inserted, updated, errored, err := s.batches.AggregateCounters(ctx, batchID)
	if err != nil {
		return nil, err
	}
	members, err := s.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.BatchJobSummary, 0, len(members))
	for _, job := range members {
		summaries = append(summaries, model.BatchJobSummary{
			JobID:          job.ID,
			OrganizationID: job.OrganizationID,
			EndpointID:     job.EndpointID,
			Status:         job.Status,
			Processed:      job.Processed,
			Errored:        job.Errored,
			LastError:      job.LastError,
		})
	}

	return &model.BatchStatusResponse{
		BatchID:        batch.ID,
		Kind:           batch.Kind,
		Status:         batch.Status,
		TotalSyncs:     batch.Total,
		CompletedSyncs: batch.Completed,
		FailedSyncs:    batch.Failed,
		Processed:      processed,
		Inserted:       inserted,
		Updated:        updated,
		Errored:        errored,
		Jobs:           summaries,
		CreatedAt:      batch.CreatedAt,
		CompletedAt:    batch.CompletedAt,
	}, nil
}
