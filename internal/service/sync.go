package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/equipsync/equipsync-go/internal/mapping"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/remote"
	"github.com/equipsync/equipsync-go/internal/repository"
	"github.com/equipsync/equipsync-go/internal/transform"
)

var (
	ErrMappingMissing = mapping.ErrMappingMissing
	ErrInvalidMode    = errors.New("mode must be full or incremental")
	ErrJobNotFound    = repository.ErrJobNotFound
	ErrJobNotRunning  = errors.New("sync job is not running")
)

// SyncService drives inbound pulls: one asynchronous page-by-page job per
// (organization, endpoint) pair, progress exposed for polling.
type SyncService struct {
	jobs     JobStore
	records  RecordStore
	resolver MappingResolver
	remote   remote.Transport
	audit    AuditSink
	pageSize int

	// onComplete is invoked with the final job after it reaches a
	// terminal state; the batch supervisor hooks in here.
	onComplete func(job *model.SyncJob)

	// running guards the start path in-process so two concurrent start
	// requests for the same pair cannot both pass the database check.
	mu      sync.Mutex
	running map[string]bool
}

// NewSyncService creates a SyncService.
func NewSyncService(jobs JobStore, records RecordStore, resolver MappingResolver, transport remote.Transport, audit AuditSink, pageSize int) *SyncService {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &SyncService{
		jobs:     jobs,
		records:  records,
		resolver: resolver,
		remote:   transport,
		audit:    audit,
		pageSize: pageSize,
		running:  make(map[string]bool),
	}
}

// SetCompletionCallback registers the hook invoked when a job finishes.
func (s *SyncService) SetCompletionCallback(fn func(job *model.SyncJob)) {
	s.onComplete = fn
}

// StartSync starts an inbound pull for the pair, or returns the id of the
// already-running job. The mapping gate runs before a job id is allocated:
// an endpoint without transformation rules never produces a job.
func (s *SyncService) StartSync(ctx context.Context, organizationID, endpointID string, mode model.SyncMode) (*model.StartSyncResponse, error) {
	job, existing, err := s.start(ctx, organizationID, endpointID, mode, "")
	if err != nil {
		return nil, err
	}
	return &model.StartSyncResponse{JobID: job.ID, Existing: existing}, nil
}

// start allocates and launches a job. Returns the running job and whether
// it pre-existed.
func (s *SyncService) start(ctx context.Context, organizationID, endpointID string, mode model.SyncMode, batchID string) (*model.SyncJob, bool, error) {
	if mode == "" {
		mode = model.SyncModeFull
	}
	if mode != model.SyncModeFull && mode != model.SyncModeIncremental {
		return nil, false, ErrInvalidMode
	}

	m, err := s.resolver.Lookup(ctx, endpointID)
	if err != nil {
		return nil, false, err
	}

	pair := organizationID + "/" + endpointID
	s.mu.Lock()
	if s.running[pair] {
		s.mu.Unlock()
		if existing, err := s.jobs.GetRunning(ctx, organizationID, endpointID); err == nil {
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("sync start race for %s: %w", pair, ErrJobNotFound)
	}
	s.running[pair] = true
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.running, pair)
		s.mu.Unlock()
	}

	// A previous process may have left a running row behind; honor it.
	if existing, err := s.jobs.GetRunning(ctx, organizationID, endpointID); err == nil {
		release()
		return existing, true, nil
	} else if !errors.Is(err, repository.ErrJobNotFound) {
		release()
		return nil, false, err
	}

	var since *time.Time
	if mode == model.SyncModeIncremental {
		since, err = s.jobs.LastCompletedStartedAt(ctx, organizationID, endpointID)
		if err != nil {
			release()
			return nil, false, err
		}
		// No watermark yet: the first incremental pull is a full pull.
	}

	job := &model.SyncJob{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		EndpointID:     endpointID,
		Mode:           mode,
		Status:         model.JobRunning,
		BatchID:        batchID,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		release()
		return nil, false, err
	}

	audit(s.audit, "sync_started", organizationID, map[string]any{
		"job_id":      job.ID,
		"endpoint_id": endpointID,
		"mode":        string(mode),
		"entity_type": m.EntityType,
	})

	go func() {
		defer release()
		s.runJob(job, transform.New(m), since)
	}()

	return job, false, nil
}

// runJob executes the page loop. Per-record failures are counted and do
// not abort the job; only a remote connection failure fails it.
func (s *SyncService) runJob(job *model.SyncJob, tr *transform.Transformer, since *time.Time) {
	ctx := context.Background()

	token := ""
	page := 0
	for {
		// Cooperative cancellation, checked between pages.
		status, err := s.jobs.Status(ctx, job.ID)
		if err != nil {
			slog.Error("sync job status check failed", "job_id", job.ID, "error", err)
			s.finishJob(ctx, job.ID, model.JobFailed, err.Error())
			return
		}
		if status != model.JobRunning {
			slog.Info("sync job stopped", "job_id", job.ID, "status", status)
			s.notifyComplete(ctx, job.ID)
			return
		}

		result, err := s.remote.FetchPage(ctx, job.EndpointID, remote.PageRequest{
			Token:        token,
			UpdatedSince: since,
			PageSize:     s.pageSize,
		})
		if err != nil {
			slog.Error("sync job page fetch failed", "job_id", job.ID, "page", page, "error", err)
			s.finishJob(ctx, job.ID, model.JobFailed, err.Error())
			return
		}
		page++

		var inserted, updated, errored int64
		for _, record := range result.Records {
			outcome, err := s.upsertRecord(ctx, job, tr, record)
			if err != nil {
				errored++
				slog.Warn("sync record failed", "job_id", job.ID, "page", page, "error", err)
				continue
			}
			if outcome == repository.UpsertInserted {
				inserted++
			} else {
				updated++
			}
		}

		processed := int64(len(result.Records))
		if err := s.jobs.AddCounters(ctx, job.ID, processed, inserted, updated, errored, page, result.Total); err != nil {
			slog.Error("sync job counter update failed", "job_id", job.ID, "error", err)
		}

		token = result.NextPageToken
		if token == "" {
			break
		}
	}

	s.finishJob(ctx, job.ID, model.JobCompleted, "")
}

// upsertRecord transforms and applies one remote record to the mirror.
func (s *SyncService) upsertRecord(ctx context.Context, job *model.SyncJob, tr *transform.Transformer, record map[string]any) (repository.UpsertOutcome, error) {
	businessKey, ok := record["business_key"].(string)
	if !ok || businessKey == "" {
		return repository.UpsertUpdated, errors.New("record has no business key")
	}
	remoteVersion := extractVersion(record)

	fields, err := tr.ToMirror(record)
	if err != nil {
		return repository.UpsertUpdated, fmt.Errorf("transforming %q: %w", businessKey, err)
	}

	return s.records.UpsertFromRemote(ctx, job.OrganizationID, job.EndpointID, businessKey, fields, remoteVersion)
}

func (s *SyncService) finishJob(ctx context.Context, jobID string, status model.JobStatus, lastError string) {
	moved, err := s.jobs.Finish(ctx, jobID, status, lastError)
	if err != nil {
		slog.Error("sync job finish failed", "job_id", jobID, "error", err)
		return
	}
	if !moved {
		// A cancel landed first; the terminal status stands.
		slog.Info("sync job already terminal", "job_id", jobID)
	}
	s.notifyComplete(ctx, jobID)
}

func (s *SyncService) notifyComplete(ctx context.Context, jobID string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		slog.Error("sync job reload failed", "job_id", jobID, "error", err)
		return
	}

	event := "sync_completed"
	if job.Status == model.JobFailed {
		event = "sync_failed"
	} else if job.Status == model.JobCancelled {
		event = "sync_cancelled"
	}
	audit(s.audit, event, job.OrganizationID, map[string]any{
		"job_id":    job.ID,
		"processed": job.Processed,
		"inserted":  job.Inserted,
		"updated":   job.Updated,
		"errored":   job.Errored,
	})

	if s.onComplete != nil {
		s.onComplete(job)
	}
}

// Progress returns the job's counters for polling. Jobs are visible only
// to their own organization. Counters flush once per fetched page, so a
// read taken mid-page can trail the pipeline by up to one page.
func (s *SyncService) Progress(ctx context.Context, organizationID, jobID string) (*model.ProgressResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrganizationID != organizationID {
		return nil, ErrJobNotFound
	}

	return &model.ProgressResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Mode:        job.Mode,
		Total:       job.Total,
		Processed:   job.Processed,
		Inserted:    job.Inserted,
		Updated:     job.Updated,
		Errored:     job.Errored,
		CurrentPage: job.CurrentPage,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		LastError:   job.LastError,
	}, nil
}

// Cancel requests cooperative cancellation of a running job. The page loop
// observes the status flip between pages and stops without further
// upserts.
func (s *SyncService) Cancel(ctx context.Context, organizationID, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OrganizationID != organizationID {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobNotRunning
	}

	moved, err := s.jobs.Finish(ctx, jobID, model.JobCancelled, "")
	if err != nil {
		return err
	}
	if !moved {
		return ErrJobNotRunning
	}
	return nil
}

// extractVersion pulls the remote version counter out of a raw record.
func extractVersion(record map[string]any) int64 {
	switch v := record["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
