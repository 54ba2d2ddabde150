package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/equipsync/equipsync-go/internal/mapping"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/remote"
	"github.com/equipsync/equipsync-go/internal/repository"
)

// In-memory store fakes. Each mirrors the semantics of its MySQL
// counterpart closely enough for the services to behave the same way.

func recordKey(organizationID, businessKey string) string {
	return organizationID + "|" + businessKey
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]*model.MirrorRecord
	nextID  int64
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*model.MirrorRecord)}
}

func (f *fakeRecordStore) put(rec *model.MirrorRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = f.nextID
	f.records[recordKey(rec.OrganizationID, rec.BusinessKey)] = rec
}

func (f *fakeRecordStore) UpsertFromRemote(_ context.Context, organizationID, endpointID, businessKey string, fields map[string]any, remoteVersion int64) (repository.UpsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := recordKey(organizationID, businessKey)
	rec, ok := f.records[key]
	if !ok {
		f.nextID++
		f.records[key] = &model.MirrorRecord{
			ID:             f.nextID,
			OrganizationID: organizationID,
			EndpointID:     endpointID,
			BusinessKey:    businessKey,
			Fields:         fields,
			Version:        1,
			SyncState:      model.SyncStateSynced,
			RemoteVersion:  remoteVersion,
		}
		return repository.UpsertInserted, nil
	}
	if remoteVersion > rec.RemoteVersion {
		rec.Fields = fields
		rec.Version++
		rec.RemoteVersion = remoteVersion
	}
	return repository.UpsertUpdated, nil
}

func (f *fakeRecordStore) GetByBusinessKey(_ context.Context, organizationID, businessKey string) (*model.MirrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey(organizationID, businessKey)]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	copied := *rec
	copied.Fields = copyFields(rec.Fields)
	return &copied, nil
}

func (f *fakeRecordStore) ApplyLocalEdit(_ context.Context, organizationID, businessKey string, delta map[string]any) (*model.MirrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey(organizationID, businessKey)]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}

	before := *rec
	before.Fields = copyFields(rec.Fields)

	merged := copyFields(rec.Fields)
	for k, v := range delta {
		merged[k] = v
	}
	rec.Fields = merged
	rec.Version++
	rec.SyncState = model.SyncStatePendingSync

	return &before, nil
}

func (f *fakeRecordStore) SetSyncState(_ context.Context, organizationID, businessKey string, state model.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey(organizationID, businessKey)]
	if !ok {
		return repository.ErrRecordNotFound
	}
	rec.SyncState = state
	return nil
}

func (f *fakeRecordStore) ConfirmRemoteWrite(_ context.Context, organizationID, businessKey string, remoteVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey(organizationID, businessKey)]
	if !ok {
		return nil
	}
	rec.SyncState = model.SyncStateSynced
	rec.RemoteVersion = remoteVersion
	return nil
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}

type fakeModStore struct {
	mu   sync.Mutex
	mods map[string]*model.PendingModification
}

func newFakeModStore() *fakeModStore {
	return &fakeModStore{mods: make(map[string]*model.PendingModification)}
}

func (f *fakeModStore) Create(_ context.Context, m *model.PendingModification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *m
	f.mods[m.ID] = &copied
	return nil
}

func (f *fakeModStore) Get(_ context.Context, id string) (*model.PendingModification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mods[id]
	if !ok {
		return nil, repository.ErrModificationNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeModStore) HasActive(_ context.Context, recordID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mods {
		if m.RecordID == recordID && m.SyncStatus != model.ModificationSynced {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeModStore) SetStatus(_ context.Context, id string, status model.ModificationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mods[id]
	if !ok {
		return repository.ErrModificationNotFound
	}
	m.SyncStatus = status
	return nil
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.SyncJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.SyncJob)}
}

func (f *fakeJobStore) Create(_ context.Context, job *model.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, id string) (*model.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) GetRunning(_ context.Context, organizationID, endpointID string) (*model.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.OrganizationID == organizationID && job.EndpointID == endpointID && job.Status == model.JobRunning {
			copied := *job
			return &copied, nil
		}
	}
	return nil, repository.ErrJobNotFound
}

func (f *fakeJobStore) AddCounters(_ context.Context, id string, processed, inserted, updated, errored int64, currentPage int, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.Processed += processed
	job.Inserted += inserted
	job.Updated += updated
	job.Errored += errored
	job.CurrentPage = currentPage
	job.Total = total
	return nil
}

func (f *fakeJobStore) Finish(_ context.Context, id string, status model.JobStatus, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, repository.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.LastError = lastError
	return true, nil
}

func (f *fakeJobStore) Status(_ context.Context, id string) (model.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return "", repository.ErrJobNotFound
	}
	return job.Status, nil
}

func (f *fakeJobStore) LastCompletedStartedAt(_ context.Context, organizationID, endpointID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for _, job := range f.jobs {
		if job.OrganizationID != organizationID || job.EndpointID != endpointID || job.Status != model.JobCompleted {
			continue
		}
		if latest == nil || job.StartedAt.After(*latest) {
			t := job.StartedAt
			latest = &t
		}
	}
	return latest, nil
}

func (f *fakeJobStore) ListByBatch(_ context.Context, batchID string) ([]model.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []model.SyncJob
	for _, job := range f.jobs {
		if job.BatchID == batchID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

type fakeBatchStore struct {
	mu      sync.Mutex
	batches map[string]*model.SyncBatch
	jobs    *fakeJobStore
}

func newFakeBatchStore(jobs *fakeJobStore) *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[string]*model.SyncBatch), jobs: jobs}
}

func (f *fakeBatchStore) Create(_ context.Context, b *model.SyncBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *b
	f.batches[b.ID] = &copied
	return nil
}

func (f *fakeBatchStore) Get(_ context.Context, id string) (*model.SyncBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBatchStore) RecordMemberResult(_ context.Context, id string, failed bool) (*model.SyncBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	b.Completed++
	if failed {
		b.Failed++
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBatchStore) Finalize(_ context.Context, id string, status model.BatchStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	if b.Status == model.BatchRunning {
		now := time.Now().UTC()
		b.Status = status
		b.CompletedAt = &now
	}
	return nil
}

func (f *fakeBatchStore) AggregateCounters(ctx context.Context, id string) (int64, int64, int64, int64, error) {
	jobs, err := f.jobs.ListByBatch(ctx, id)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	var processed, inserted, updated, errored int64
	for _, job := range jobs {
		processed += job.Processed
		inserted += job.Inserted
		updated += job.Updated
		errored += job.Errored
	}
	return processed, inserted, updated, errored, nil
}

type fakeQueueStore struct {
	mu    sync.Mutex
	items map[string]*model.WriteQueueItem
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{items: make(map[string]*model.WriteQueueItem)}
}

func (f *fakeQueueStore) InsertIfAbsent(_ context.Context, item *model.WriteQueueItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.items {
		if existing.ModificationID == item.ModificationID && !existing.Status.Terminal() {
			return false, nil
		}
	}
	copied := *item
	copied.Payload = copyFields(item.Payload)
	f.items[item.ID] = &copied
	return true, nil
}

func (f *fakeQueueStore) Get(_ context.Context, id string) (*model.WriteQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, repository.ErrItemNotFound
	}
	copied := *item
	copied.Payload = copyFields(item.Payload)
	return &copied, nil
}

func (f *fakeQueueStore) GetActiveByModification(_ context.Context, modificationID string) (*model.WriteQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.ModificationID == modificationID && !item.Status.Terminal() {
			copied := *item
			return &copied, nil
		}
	}
	return nil, repository.ErrItemNotFound
}

func (f *fakeQueueStore) ClaimNext(_ context.Context, organizationID string) (*model.WriteQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()

	var best *model.WriteQueueItem
	for _, item := range f.items {
		if item.OrganizationID != organizationID || item.Status != model.ItemPending || item.ScheduledAt.After(now) {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.ScheduledAt.Before(best.ScheduledAt)) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = model.ItemProcessing
	claimed := now.UTC()
	best.ClaimedAt = &claimed
	copied := *best
	copied.Payload = copyFields(best.Payload)
	return &copied, nil
}

func (f *fakeQueueStore) Complete(_ context.Context, id string) error {
	return f.setStatus(id, model.ItemCompleted)
}

func (f *fakeQueueStore) Reschedule(_ context.Context, id string, attempts int, nextAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return repository.ErrItemNotFound
	}
	item.Status = model.ItemPending
	item.Attempts = attempts
	item.ScheduledAt = nextAt
	item.LastError = lastError
	item.ClaimedAt = nil
	return nil
}

func (f *fakeQueueStore) Fail(_ context.Context, id string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return repository.ErrItemNotFound
	}
	item.Status = model.ItemFailed
	item.Attempts = attempts
	item.LastError = lastError
	return nil
}

func (f *fakeQueueStore) Hold(_ context.Context, id string) error {
	return f.setStatus(id, model.ItemHeld)
}

func (f *fakeQueueStore) Release(_ context.Context, id string, payload map[string]any, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.Status != model.ItemHeld {
		return repository.ErrItemNotFound
	}
	item.Status = model.ItemPending
	item.Payload = copyFields(payload)
	item.Force = force
	item.ScheduledAt = time.Now().UTC()
	item.ClaimedAt = nil
	return nil
}

func (f *fakeQueueStore) CompleteHeld(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.Status != model.ItemHeld {
		return repository.ErrItemNotFound
	}
	item.Status = model.ItemCompleted
	return nil
}

func (f *fakeQueueStore) ReleaseExpiredClaims(_ context.Context, lease time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-lease)
	var released int64
	for _, item := range f.items {
		if item.Status == model.ItemProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			item.Status = model.ItemPending
			item.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (f *fakeQueueStore) ListDueOrganizations(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	seen := make(map[string]bool)
	var orgs []string
	for _, item := range f.items {
		if item.Status == model.ItemPending && !item.ScheduledAt.After(now) && !seen[item.OrganizationID] {
			seen[item.OrganizationID] = true
			orgs = append(orgs, item.OrganizationID)
		}
	}
	return orgs, nil
}

func (f *fakeQueueStore) List(_ context.Context, organizationID string, limit int) ([]model.WriteQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []model.WriteQueueItem
	for _, item := range f.items {
		if item.OrganizationID == organizationID {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeQueueStore) Stats(_ context.Context, organizationID string) (*model.QueueStatsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &model.QueueStatsResponse{AsOf: time.Now().UTC()}
	for _, item := range f.items {
		if item.OrganizationID != organizationID {
			continue
		}
		switch item.Status {
		case model.ItemPending:
			stats.Pending++
		case model.ItemProcessing:
			stats.Processing++
		case model.ItemHeld:
			stats.Held++
		case model.ItemCompleted:
			stats.Completed++
		case model.ItemFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (f *fakeQueueStore) setStatus(id string, status model.QueueItemStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return repository.ErrItemNotFound
	}
	item.Status = status
	return nil
}

type fakeConflictStore struct {
	mu        sync.Mutex
	conflicts map[string]*model.SyncConflict
}

func newFakeConflictStore() *fakeConflictStore {
	return &fakeConflictStore{conflicts: make(map[string]*model.SyncConflict)}
}

func (f *fakeConflictStore) Create(_ context.Context, c *model.SyncConflict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *c
	f.conflicts[c.ID] = &copied
	return nil
}

func (f *fakeConflictStore) Get(_ context.Context, id string) (*model.SyncConflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, repository.ErrConflictNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConflictStore) List(_ context.Context, organizationID string, status model.ConflictStatus) ([]model.SyncConflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conflicts []model.SyncConflict
	for _, c := range f.conflicts {
		if c.OrganizationID != organizationID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		conflicts = append(conflicts, *c)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ID < conflicts[j].ID })
	return conflicts, nil
}

func (f *fakeConflictStore) Resolve(_ context.Context, id string, resolution model.Resolution, mergedPayload map[string]any, resolvedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return repository.ErrConflictNotFound
	}
	if c.Status != model.ConflictUnresolved {
		return repository.ErrConflictAlreadyResolved
	}
	now := time.Now().UTC()
	c.Status = model.ConflictResolved
	c.Resolution = resolution
	c.MergedPayload = mergedPayload
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	return nil
}

// fakeResolver serves one mapping for every endpoint, or ErrMappingMissing
// for endpoints in the missing set.
type fakeResolver struct {
	mapping *mapping.Mapping
	missing map[string]bool
}

func (f *fakeResolver) Lookup(_ context.Context, endpointID string) (*mapping.Mapping, error) {
	if f.mapping == nil || f.missing[endpointID] {
		return nil, mapping.ErrMappingMissing
	}
	return f.mapping, nil
}

func testMapping() *mapping.Mapping {
	return &mapping.Mapping{
		EndpointID: "ep-1",
		EntityType: "equipment",
		Rules: []mapping.FieldRule{
			{RemoteField: "EQUIP_NAME", LocalField: "name", Kind: "string"},
			{RemoteField: "MONTHLY_RATE", LocalField: "monthlyRate", Kind: "number"},
			{RemoteField: "IS_ACTIVE", LocalField: "active", Kind: "bool"},
		},
	}
}

// fakeTransport dispatches to per-call funcs so each test shapes only the
// remote behavior it needs.
type fakeTransport struct {
	fetchPage        func(ctx context.Context, endpointID string, req remote.PageRequest) (*remote.Page, error)
	writeRecord      func(ctx context.Context, endpointID string, op model.Operation, businessKey string, payload map[string]any) (*remote.WriteResult, error)
	getRecordVersion func(ctx context.Context, endpointID, businessKey string) (*remote.VersionInfo, error)
}

func (f *fakeTransport) FetchPage(ctx context.Context, endpointID string, req remote.PageRequest) (*remote.Page, error) {
	if f.fetchPage == nil {
		return &remote.Page{}, nil
	}
	return f.fetchPage(ctx, endpointID, req)
}

func (f *fakeTransport) WriteRecord(ctx context.Context, endpointID string, op model.Operation, businessKey string, payload map[string]any) (*remote.WriteResult, error) {
	if f.writeRecord == nil {
		return &remote.WriteResult{RemoteVersion: 1}, nil
	}
	return f.writeRecord(ctx, endpointID, op, businessKey, payload)
}

func (f *fakeTransport) GetRecordVersion(ctx context.Context, endpointID, businessKey string) (*remote.VersionInfo, error) {
	if f.getRecordVersion == nil {
		return nil, &remote.Error{Op: "get_version", Status: 404}
	}
	return f.getRecordVersion(ctx, endpointID, businessKey)
}
