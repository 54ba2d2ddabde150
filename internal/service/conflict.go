package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/remote"
	"github.com/equipsync/equipsync-go/internal/repository"
	"github.com/equipsync/equipsync-go/internal/transform"
)

var (
	ErrConflictNotFound        = repository.ErrConflictNotFound
	ErrConflictAlreadyResolved = repository.ErrConflictAlreadyResolved
	ErrInvalidResolution       = errors.New("resolution must be use_local, use_remote or merge")
	ErrMergePayloadRequired    = errors.New("merge resolution requires a merged payload")
)

// ConflictService detects divergence before outbound writes and applies
// operator resolutions. Detection compares the remote record's current
// state against the modification's base: only changed fields that the
// remote also changed count as conflicting.
type ConflictService struct {
	conflicts ConflictStore
	queue     QueueStore
	mods      ModificationStore
	records   RecordStore
	resolver  MappingResolver
	remote    remote.Transport
	audit     AuditSink
}

// NewConflictService creates a ConflictService.
func NewConflictService(conflicts ConflictStore, queue QueueStore, mods ModificationStore, records RecordStore, resolver MappingResolver, transport remote.Transport, audit AuditSink) *ConflictService {
	return &ConflictService{
		conflicts: conflicts,
		queue:     queue,
		mods:      mods,
		records:   records,
		resolver:  resolver,
		remote:    transport,
		audit:     audit,
	}
}

// Check probes the remote record before a queued write and records a
// conflict when the remote moved past the modification's base version on
// any of the fields the modification changed. A delete contests the whole
// record, so any version movement past its base conflicts. Returns the
// conflict when one was recorded, nil when the write is clear to proceed.
func (s *ConflictService) Check(ctx context.Context, item *model.WriteQueueItem, mod *model.PendingModification) (*model.SyncConflict, error) {
	info, err := s.remote.GetRecordVersion(ctx, item.EndpointID, item.BusinessKey)
	if err != nil {
		if remote.IsNotFound(err) {
			// Nothing remote to diverge from; creates land here.
			return nil, nil
		}
		return nil, err
	}

	// Remote has not moved past the base the edit was made against.
	if mod.BaseRemoteVersion != 0 && info.Version == mod.BaseRemoteVersion {
		return nil, nil
	}

	m, err := s.resolver.Lookup(ctx, item.EndpointID)
	if err != nil {
		return nil, err
	}
	remoteFields, err := transform.New(m).ToMirror(info.Payload)
	if err != nil {
		return nil, fmt.Errorf("mapping remote payload for %q: %w", item.BusinessKey, err)
	}

	var conflicting []string
	switch {
	case item.Operation == model.OperationDelete:
		// The remote moved past the version the delete was decided
		// against; someone still edits this record.
		conflicting = sortedKeys(mod.Snapshot)
	case mod.BaseRemoteVersion == 0:
		// No base to diff against: treat every edited field as contested.
		conflicting = sortedKeys(item.Payload)
	default:
		changed := differingFields(remoteFields, mod.Snapshot)
		for field := range item.Payload {
			if changed[field] {
				conflicting = append(conflicting, field)
			}
		}
		sort.Strings(conflicting)
	}

	if len(conflicting) == 0 {
		// Remote advanced, but not on any field this edit touches.
		return nil, nil
	}

	conflict := &model.SyncConflict{
		ID:             uuid.New().String(),
		ModificationID: mod.ID,
		QueueItemID:    item.ID,
		BusinessKey:    item.BusinessKey,
		OrganizationID: item.OrganizationID,
		EndpointID:     item.EndpointID,
		LocalVersion:   mod.BaseVersion,
		RemoteVersion:  info.Version,
		Fields:         conflicting,
		LocalPayload:   item.Payload,
		RemotePayload:  remoteFields,
		Status:         model.ConflictUnresolved,
		DetectedAt:     time.Now().UTC(),
	}
	if err := s.conflicts.Create(ctx, conflict); err != nil {
		return nil, err
	}

	audit(s.audit, "conflict_detected", item.OrganizationID, map[string]any{
		"conflict_id":     conflict.ID,
		"business_key":    item.BusinessKey,
		"fields":          conflicting,
		"remote_version":  info.Version,
		"base_remote":     mod.BaseRemoteVersion,
		"modification_id": mod.ID,
	})

	return conflict, nil
}

// Resolve applies an operator decision to an unresolved conflict.
// Resolution is terminal: the first recorded decision stands. When an
// earlier resolve recorded its decision but failed before moving the held
// item, a repeat call finishes that decision instead of rejecting.
func (s *ConflictService) Resolve(ctx context.Context, organizationID, conflictID string, req *model.ResolveRequest) (*model.ConflictResponse, error) {
	switch req.Resolution {
	case model.ResolveUseLocal, model.ResolveUseRemote:
	case model.ResolveMerge:
		if len(req.MergedPayload) == 0 {
			return nil, ErrMergePayloadRequired
		}
	default:
		return nil, ErrInvalidResolution
	}

	c, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != organizationID {
		return nil, ErrConflictNotFound
	}

	if c.Status == model.ConflictResolved {
		return s.resumeResolution(ctx, c)
	}

	if req.Resolution == model.ResolveMerge {
		m, err := s.resolver.Lookup(ctx, c.EndpointID)
		if err != nil {
			return nil, err
		}
		if err := transform.New(m).ValidateLocal(req.MergedPayload); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err)
		}
	}

	if err := s.conflicts.Resolve(ctx, conflictID, req.Resolution, req.MergedPayload, req.ResolvedBy); err != nil {
		return nil, err
	}
	c.Status = model.ConflictResolved
	c.Resolution = req.Resolution
	c.MergedPayload = req.MergedPayload

	if err := s.applyResolution(ctx, c); err != nil {
		return nil, err
	}

	audit(s.audit, "conflict_resolved", organizationID, map[string]any{
		"conflict_id":  conflictID,
		"resolution":   string(req.Resolution),
		"resolved_by":  req.ResolvedBy,
		"business_key": c.BusinessKey,
	})

	resolved, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	return conflictResponse(resolved), nil
}

// resumeResolution finishes a recorded decision whose side effects did not
// land. The queue item still being held is the marker for that; once it
// moved, the resolution is done and a repeat is rejected.
func (s *ConflictService) resumeResolution(ctx context.Context, c *model.SyncConflict) (*model.ConflictResponse, error) {
	item, err := s.queue.Get(ctx, c.QueueItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != model.ItemHeld {
		return nil, ErrConflictAlreadyResolved
	}
	if err := s.applyResolution(ctx, c); err != nil {
		return nil, err
	}
	audit(s.audit, "conflict_resolved", c.OrganizationID, map[string]any{
		"conflict_id":  c.ID,
		"resolution":   string(c.Resolution),
		"resolved_by":  c.ResolvedBy,
		"business_key": c.BusinessKey,
	})
	return conflictResponse(c), nil
}

// applyResolution carries out the recorded decision. The held item's
// transition runs last and every earlier step tolerates a re-run, so a
// partial failure leaves the item parked and the decision resumable.
func (s *ConflictService) applyResolution(ctx context.Context, c *model.SyncConflict) error {
	switch c.Resolution {
	case model.ResolveUseLocal:
		return s.releaseForWrite(ctx, c, c.LocalPayload)
	case model.ResolveMerge:
		return s.releaseForWrite(ctx, c, c.MergedPayload)
	case model.ResolveUseRemote:
		return s.acceptRemote(ctx, c)
	}
	return ErrInvalidResolution
}

// releaseForWrite sends the chosen payload back through the queue with the
// conflict check bypassed; the remote probe already happened.
func (s *ConflictService) releaseForWrite(ctx context.Context, c *model.SyncConflict, payload map[string]any) error {
	if err := s.mods.SetStatus(ctx, c.ModificationID, model.ModificationQueued); err != nil {
		return err
	}
	return s.queue.Release(ctx, c.QueueItemID, payload, true)
}

// acceptRemote discards the local edit: the mirror takes the remote state
// captured at detection and the held item completes without a write.
func (s *ConflictService) acceptRemote(ctx context.Context, c *model.SyncConflict) error {
	if err := s.mods.SetStatus(ctx, c.ModificationID, model.ModificationSynced); err != nil {
		return err
	}
	if _, err := s.records.UpsertFromRemote(ctx, c.OrganizationID, c.EndpointID, c.BusinessKey, c.RemotePayload, c.RemoteVersion); err != nil {
		return err
	}
	if err := s.records.SetSyncState(ctx, c.OrganizationID, c.BusinessKey, model.SyncStateSynced); err != nil {
		return err
	}
	return s.queue.CompleteHeld(ctx, c.QueueItemID)
}

// List returns an organization's conflicts, optionally filtered by status.
func (s *ConflictService) List(ctx context.Context, organizationID string, status model.ConflictStatus) ([]model.ConflictResponse, error) {
	conflicts, err := s.conflicts.List(ctx, organizationID, status)
	if err != nil {
		return nil, err
	}

	out := make([]model.ConflictResponse, 0, len(conflicts))
	for i := range conflicts {
		out = append(out, *conflictResponse(&conflicts[i]))
	}
	return out, nil
}

func conflictResponse(c *model.SyncConflict) *model.ConflictResponse {
	return &model.ConflictResponse{
		ConflictID:     c.ID,
		ModificationID: c.ModificationID,
		BusinessKey:    c.BusinessKey,
		LocalVersion:   c.LocalVersion,
		RemoteVersion:  c.RemoteVersion,
		Fields:         c.Fields,
		LocalPayload:   c.LocalPayload,
		RemotePayload:  c.RemotePayload,
		Status:         c.Status,
		Resolution:     c.Resolution,
		DetectedAt:     c.DetectedAt,
		ResolvedAt:     c.ResolvedAt,
	}
}

// differingFields reports the mirror-schema fields whose remote value
// differs from the snapshot taken when the edit was made.
func differingFields(remoteFields, snapshot map[string]any) map[string]bool {
	diff := make(map[string]bool)
	for field, remoteValue := range remoteFields {
		if !valuesEqual(remoteValue, snapshot[field]) {
			diff[field] = true
		}
	}
	for field := range snapshot {
		if _, ok := remoteFields[field]; !ok {
			diff[field] = true
		}
	}
	return diff
}

// valuesEqual compares coerced field values. Both sides passed through the
// same transform, so scalar comparison suffices.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
