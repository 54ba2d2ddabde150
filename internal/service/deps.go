package service

import (
	"context"
	"time"

	"github.com/equipsync/equipsync-go/internal/mapping"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/repository"
)

// The services consume their stores through interfaces so tests can
// substitute fakes; the repository package provides the MySQL
// implementations.

// RecordStore is the mirror-record persistence surface.
type RecordStore interface {
	UpsertFromRemote(ctx context.Context, organizationID, endpointID, businessKey string, fields map[string]any, remoteVersion int64) (repository.UpsertOutcome, error)
	GetByBusinessKey(ctx context.Context, organizationID, businessKey string) (*model.MirrorRecord, error)
	ApplyLocalEdit(ctx context.Context, organizationID, businessKey string, delta map[string]any) (*model.MirrorRecord, error)
	SetSyncState(ctx context.Context, organizationID, businessKey string, state model.SyncState) error
	ConfirmRemoteWrite(ctx context.Context, organizationID, businessKey string, remoteVersion int64) error
}

// ModificationStore is the pending-modification persistence surface.
type ModificationStore interface {
	Create(ctx context.Context, m *model.PendingModification) error
	Get(ctx context.Context, id string) (*model.PendingModification, error)
	HasActive(ctx context.Context, recordID int64) (bool, error)
	SetStatus(ctx context.Context, id string, status model.ModificationStatus) error
}

// JobStore is the sync-job persistence surface.
type JobStore interface {
	Create(ctx context.Context, job *model.SyncJob) error
	Get(ctx context.Context, id string) (*model.SyncJob, error)
	GetRunning(ctx context.Context, organizationID, endpointID string) (*model.SyncJob, error)
	AddCounters(ctx context.Context, id string, processed, inserted, updated, errored int64, currentPage int, total int64) error
	Finish(ctx context.Context, id string, status model.JobStatus, lastError string) (bool, error)
	Status(ctx context.Context, id string) (model.JobStatus, error)
	LastCompletedStartedAt(ctx context.Context, organizationID, endpointID string) (*time.Time, error)
	ListByBatch(ctx context.Context, batchID string) ([]model.SyncJob, error)
}

// BatchStore is the sync-batch persistence surface.
type BatchStore interface {
	Create(ctx context.Context, b *model.SyncBatch) error
	Get(ctx context.Context, id string) (*model.SyncBatch, error)
	RecordMemberResult(ctx context.Context, id string, failed bool) (*model.SyncBatch, error)
	Finalize(ctx context.Context, id string, status model.BatchStatus) error
	AggregateCounters(ctx context.Context, id string) (processed, inserted, updated, errored int64, err error)
}

// QueueStore is the write-queue persistence surface.
type QueueStore interface {
	InsertIfAbsent(ctx context.Context, item *model.WriteQueueItem) (bool, error)
	Get(ctx context.Context, id string) (*model.WriteQueueItem, error)
	GetActiveByModification(ctx context.Context, modificationID string) (*model.WriteQueueItem, error)
	ClaimNext(ctx context.Context, organizationID string) (*model.WriteQueueItem, error)
	Complete(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, attempts int, nextAt time.Time, lastError string) error
	Fail(ctx context.Context, id string, attempts int, lastError string) error
	Hold(ctx context.Context, id string) error
	Release(ctx context.Context, id string, payload map[string]any, force bool) error
	CompleteHeld(ctx context.Context, id string) error
	ReleaseExpiredClaims(ctx context.Context, lease time.Duration) (int64, error)
	ListDueOrganizations(ctx context.Context) ([]string, error)
	List(ctx context.Context, organizationID string, limit int) ([]model.WriteQueueItem, error)
	Stats(ctx context.Context, organizationID string) (*model.QueueStatsResponse, error)
}

// ConflictStore is the sync-conflict persistence surface.
type ConflictStore interface {
	Create(ctx context.Context, c *model.SyncConflict) error
	Get(ctx context.Context, id string) (*model.SyncConflict, error)
	List(ctx context.Context, organizationID string, status model.ConflictStatus) ([]model.SyncConflict, error)
	Resolve(ctx context.Context, id string, resolution model.Resolution, mergedPayload map[string]any, resolvedBy string) error
}

// MappingResolver gates sync starts and drives the transform layer.
type MappingResolver interface {
	Lookup(ctx context.Context, endpointID string) (*mapping.Mapping, error)
}
