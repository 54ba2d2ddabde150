package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/repository"
	"github.com/equipsync/equipsync-go/internal/transform"
)

var (
	ErrRecordNotFound       = repository.ErrRecordNotFound
	ErrModificationNotFound = repository.ErrModificationNotFound
	ErrItemNotFound         = repository.ErrItemNotFound
	ErrValidationFailed     = errors.New("modification failed validation")
	ErrModificationActive   = errors.New("record already has an active modification")
	ErrStaleVersion         = repository.ErrStaleVersion
	ErrItemNotRetryable     = errors.New("only failed items can be retried")
	ErrInvalidOperation     = errors.New("operation must be create, update or delete")
)

// QueueService owns the outbound side of the engine: recording local
// edits against the mirror and feeding them into the durable write queue.
type QueueService struct {
	records  RecordStore
	mods     ModificationStore
	queue    QueueStore
	resolver MappingResolver
	audit    AuditSink
}

// NewQueueService creates a QueueService.
func NewQueueService(records RecordStore, mods ModificationStore, queue QueueStore, resolver MappingResolver, audit AuditSink) *QueueService {
	return &QueueService{
		records:  records,
		mods:     mods,
		queue:    queue,
		resolver: resolver,
		audit:    audit,
	}
}

// CreateModification records a local edit: validates the delta against the
// endpoint's mapping, applies it to the mirror record, and captures the
// pre-edit snapshot and base versions for later conflict detection. One
// active modification per record at a time.
func (s *QueueService) CreateModification(ctx context.Context, organizationID, businessKey string, req *model.ModificationRequest) (*model.ModificationResponse, error) {
	record, err := s.records.GetByBusinessKey(ctx, organizationID, businessKey)
	if err != nil {
		return nil, err
	}

	m, err := s.resolver.Lookup(ctx, record.EndpointID)
	if err != nil {
		return nil, err
	}
	if err := transform.New(m).ValidateLocal(req.Delta); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err)
	}

	active, err := s.mods.HasActive(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrModificationActive
	}

	before, err := s.records.ApplyLocalEdit(ctx, organizationID, businessKey, req.Delta)
	if err != nil {
		return nil, err
	}

	mod := &model.PendingModification{
		ID:                uuid.New().String(),
		RecordID:          before.ID,
		OrganizationID:    organizationID,
		EndpointID:        before.EndpointID,
		BusinessKey:       businessKey,
		Delta:             req.Delta,
		Snapshot:          before.Fields,
		Author:            req.Author,
		SyncStatus:        model.ModificationPending,
		BaseVersion:       before.Version,
		BaseRemoteVersion: before.RemoteVersion,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.mods.Create(ctx, mod); err != nil {
		return nil, err
	}

	audit(s.audit, "modification_created", organizationID, map[string]any{
		"modification_id": mod.ID,
		"business_key":    businessKey,
		"author":          req.Author,
		"base_version":    mod.BaseVersion,
	})

	return &model.ModificationResponse{
		ModificationID: mod.ID,
		BusinessKey:    businessKey,
		BaseVersion:    mod.BaseVersion,
		SyncStatus:     mod.SyncStatus,
		CreatedAt:      mod.CreatedAt,
	}, nil
}

// Enqueue places a pending modification on the write queue. Enqueueing the
// same modification twice returns the item that already covers it.
func (s *QueueService) Enqueue(ctx context.Context, organizationID string, req *model.EnqueueRequest) (*model.EnqueueResponse, error) {
	switch req.Operation {
	case model.OperationCreate, model.OperationUpdate, model.OperationDelete:
	case "":
		req.Operation = model.OperationUpdate
	default:
		return nil, ErrInvalidOperation
	}

	mod, err := s.mods.Get(ctx, req.ModificationID)
	if err != nil {
		return nil, err
	}
	if mod.OrganizationID != organizationID {
		return nil, ErrModificationNotFound
	}

	// Re-validate: the mapping may have changed since the edit was made.
	m, err := s.resolver.Lookup(ctx, mod.EndpointID)
	if err != nil {
		return nil, err
	}
	if err := transform.New(m).ValidateLocal(mod.Delta); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err)
	}

	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	item := &model.WriteQueueItem{
		ID:             uuid.New().String(),
		ModificationID: mod.ID,
		BusinessKey:    mod.BusinessKey,
		OrganizationID: organizationID,
		EndpointID:     mod.EndpointID,
		Operation:      req.Operation,
		Payload:        mod.Delta,
		Priority:       priority,
		ScheduledAt:    time.Now().UTC(),
		Status:         model.ItemPending,
	}

	inserted, err := s.queue.InsertIfAbsent(ctx, item)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.queue.GetActiveByModification(ctx, mod.ID)
		if err != nil {
			return nil, err
		}
		return &model.EnqueueResponse{ItemID: existing.ID, Existing: true}, nil
	}

	if err := s.mods.SetStatus(ctx, mod.ID, model.ModificationQueued); err != nil {
		return nil, err
	}

	audit(s.audit, "item_enqueued", organizationID, map[string]any{
		"item_id":         item.ID,
		"modification_id": mod.ID,
		"business_key":    mod.BusinessKey,
		"operation":       string(req.Operation),
		"priority":        priority,
	})

	return &model.EnqueueResponse{ItemID: item.ID}, nil
}

// RetryItem creates a fresh queue item for a terminally failed one. The
// failed item stays in place as the audit trail; the new item starts with
// zero attempts.
func (s *QueueService) RetryItem(ctx context.Context, organizationID, itemID string) (*model.RetryResponse, error) {
	item, err := s.queue.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.OrganizationID != organizationID {
		return nil, ErrItemNotFound
	}
	if item.Status != model.ItemFailed {
		return nil, ErrItemNotRetryable
	}

	fresh := &model.WriteQueueItem{
		ID:             uuid.New().String(),
		ModificationID: item.ModificationID,
		BusinessKey:    item.BusinessKey,
		OrganizationID: item.OrganizationID,
		EndpointID:     item.EndpointID,
		Operation:      item.Operation,
		Payload:        item.Payload,
		Priority:       item.Priority,
		Force:          item.Force,
		ScheduledAt:    time.Now().UTC(),
		Status:         model.ItemPending,
	}

	inserted, err := s.queue.InsertIfAbsent(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Another retry already produced an active item.
		existing, err := s.queue.GetActiveByModification(ctx, item.ModificationID)
		if err != nil {
			return nil, err
		}
		return &model.RetryResponse{ItemID: existing.ID}, nil
	}

	if err := s.mods.SetStatus(ctx, item.ModificationID, model.ModificationQueued); err != nil {
		return nil, err
	}

	audit(s.audit, "item_retried", organizationID, map[string]any{
		"item_id":      fresh.ID,
		"failed_item":  item.ID,
		"business_key": item.BusinessKey,
	})

	return &model.RetryResponse{ItemID: fresh.ID}, nil
}

// ListItems returns an organization's queue items for inspection.
func (s *QueueService) ListItems(ctx context.Context, organizationID string, limit int) ([]model.QueueItemResponse, error) {
	items, err := s.queue.List(ctx, organizationID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.QueueItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, model.QueueItemResponse{
			ItemID:         item.ID,
			ModificationID: item.ModificationID,
			BusinessKey:    item.BusinessKey,
			Operation:      item.Operation,
			Priority:       item.Priority,
			Status:         item.Status,
			Attempts:       item.Attempts,
			ScheduledAt:    item.ScheduledAt,
			LastError:      item.LastError,
		})
	}
	return out, nil
}

// Stats summarizes the organization's queue.
func (s *QueueService) Stats(ctx context.Context, organizationID string) (*model.QueueStatsResponse, error) {
	return s.queue.Stats(ctx, organizationID)
}
