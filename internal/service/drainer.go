package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/remote"
	"github.com/equipsync/equipsync-go/internal/transform"
)

// DrainerConfig tunes the write-queue drainer.
type DrainerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Lease       time.Duration
}

// Drainer is the background worker that pushes queued writes to the remote
// system. Items drain per organization in priority order, one at a time
// per organization so writes for the same records never race each other.
type Drainer struct {
	queue     QueueStore
	mods      ModificationStore
	records   RecordStore
	resolver  MappingResolver
	remote    remote.Transport
	conflicts *ConflictService
	audit     AuditSink
	cfg       DrainerConfig

	mu       sync.Mutex
	draining map[string]bool
}

// NewDrainer creates a Drainer.
func NewDrainer(queue QueueStore, mods ModificationStore, records RecordStore, resolver MappingResolver, transport remote.Transport, conflicts *ConflictService, audit AuditSink, cfg DrainerConfig) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Drainer{
		queue:     queue,
		mods:      mods,
		records:   records,
		resolver:  resolver,
		remote:    transport,
		conflicts: conflicts,
		audit:     audit,
		cfg:       cfg,
		draining:  make(map[string]bool),
	}
}

// Run ticks until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	slog.Info("write queue drainer started", "interval", d.cfg.Interval)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("write queue drainer stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one drain pass: recover orphaned claims, then drain every
// organization with due work.
func (d *Drainer) Tick(ctx context.Context) {
	recovered, err := d.queue.ReleaseExpiredClaims(ctx, d.cfg.Lease)
	if err != nil {
		slog.Error("claim recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Warn("recovered orphaned queue claims", "count", recovered)
	}

	orgs, err := d.queue.ListDueOrganizations(ctx)
	if err != nil {
		slog.Error("listing due organizations failed", "error", err)
		return
	}

	for _, org := range orgs {
		d.mu.Lock()
		if d.draining[org] {
			d.mu.Unlock()
			continue
		}
		d.draining[org] = true
		d.mu.Unlock()

		go func(org string) {
			defer func() {
				d.mu.Lock()
				delete(d.draining, org)
				d.mu.Unlock()
			}()
			d.drainOrganization(ctx, org)
		}(org)
	}
}

// drainOrganization claims and processes items serially until the
// organization's due work is exhausted.
func (d *Drainer) drainOrganization(ctx context.Context, organizationID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := d.queue.ClaimNext(ctx, organizationID)
		if err != nil {
			slog.Error("claim failed", "organization_id", organizationID, "error", err)
			return
		}
		if item == nil {
			return
		}
		if err := d.process(ctx, item); err != nil {
			slog.Error("queue item processing failed", "item_id", item.ID, "error", err)
		}
	}
}

// process runs one claimed item through conflict check, transform and
// remote write, then settles its status.
func (d *Drainer) process(ctx context.Context, item *model.WriteQueueItem) error {
	mod, err := d.mods.Get(ctx, item.ModificationID)
	if err != nil {
		return d.failItem(ctx, item, fmt.Sprintf("loading modification: %v", err))
	}

	if !item.Force {
		conflict, err := d.conflicts.Check(ctx, item, mod)
		if err != nil {
			if remote.IsTransient(err) {
				return d.retryOrFail(ctx, item, err)
			}
			return d.failItem(ctx, item, err.Error())
		}
		if conflict != nil {
			return d.holdItem(ctx, item, mod)
		}
	}

	payload := map[string]any(nil)
	if item.Operation != model.OperationDelete {
		m, err := d.resolver.Lookup(ctx, item.EndpointID)
		if err != nil {
			return d.failItem(ctx, item, err.Error())
		}
		payload, err = transform.New(m).ToRemote(item.Payload)
		if err != nil {
			// A payload the mapping cannot express never becomes writable.
			return d.failItem(ctx, item, err.Error())
		}
	}

	result, err := d.remote.WriteRecord(ctx, item.EndpointID, item.Operation, item.BusinessKey, payload)
	if err != nil {
		if remote.IsConflict(err) {
			// The remote rejected the version we wrote against; run the
			// probe path so the divergence is recorded for the operator.
			conflict, cerr := d.conflicts.Check(ctx, item, mod)
			if cerr == nil && conflict != nil {
				return d.holdItem(ctx, item, mod)
			}
			return d.retryOrFail(ctx, item, err)
		}
		if remote.IsTransient(err) {
			return d.retryOrFail(ctx, item, err)
		}
		return d.failItem(ctx, item, err.Error())
	}

	if err := d.queue.Complete(ctx, item.ID); err != nil {
		return err
	}
	if err := d.mods.SetStatus(ctx, item.ModificationID, model.ModificationSynced); err != nil {
		return err
	}
	if item.Operation != model.OperationDelete {
		if err := d.records.ConfirmRemoteWrite(ctx, item.OrganizationID, item.BusinessKey, result.RemoteVersion); err != nil {
			return err
		}
	}

	audit(d.audit, "item_synced", item.OrganizationID, map[string]any{
		"item_id":        item.ID,
		"business_key":   item.BusinessKey,
		"operation":      string(item.Operation),
		"remote_version": result.RemoteVersion,
		"attempts":       item.Attempts + 1,
	})
	return nil
}

// retryOrFail reschedules a transiently failed item with exponential
// backoff, or fails it terminally once the attempt ceiling is reached.
func (d *Drainer) retryOrFail(ctx context.Context, item *model.WriteQueueItem, cause error) error {
	attempts := item.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		return d.failItem(ctx, item, fmt.Sprintf("attempt limit reached: %v", cause))
	}

	delay := d.cfg.BackoffBase << uint(attempts-1)
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	nextAt := time.Now().UTC().Add(delay)

	slog.Warn("rescheduling queue item",
		"item_id", item.ID, "attempts", attempts, "next_at", nextAt, "error", cause)
	return d.queue.Reschedule(ctx, item.ID, attempts, nextAt, cause.Error())
}

// failItem marks the item terminally failed and the modification back to
// pending so an operator retry can pick it up.
func (d *Drainer) failItem(ctx context.Context, item *model.WriteQueueItem, lastError string) error {
	if err := d.queue.Fail(ctx, item.ID, item.Attempts+1, lastError); err != nil {
		return err
	}
	if err := d.mods.SetStatus(ctx, item.ModificationID, model.ModificationPending); err != nil {
		return err
	}
	audit(d.audit, "item_failed", item.OrganizationID, map[string]any{
		"item_id":      item.ID,
		"business_key": item.BusinessKey,
		"error":        lastError,
	})
	return nil
}

// holdItem parks the item behind its conflict until an operator resolves
// it. Held is not failed: the item consumes no attempts while parked.
func (d *Drainer) holdItem(ctx context.Context, item *model.WriteQueueItem, mod *model.PendingModification) error {
	if err := d.queue.Hold(ctx, item.ID); err != nil {
		return err
	}
	if err := d.mods.SetStatus(ctx, mod.ID, model.ModificationConflict); err != nil {
		return err
	}
	return d.records.SetSyncState(ctx, item.OrganizationID, item.BusinessKey, model.SyncStateConflict)
}
