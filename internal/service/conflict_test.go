package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/remote"
)

type conflictFixture struct {
	svc       *ConflictService
	conflicts *fakeConflictStore
	queue     *fakeQueueStore
	mods      *fakeModStore
	records   *fakeRecordStore
	transport *fakeTransport
}

func newConflictFixture() *conflictFixture {
	f := &conflictFixture{
		conflicts: newFakeConflictStore(),
		queue:     newFakeQueueStore(),
		mods:      newFakeModStore(),
		records:   newFakeRecordStore(),
		transport: &fakeTransport{},
	}
	f.svc = NewConflictService(f.conflicts, f.queue, f.mods, f.records,
		&fakeResolver{mapping: testMapping()}, f.transport, nil)
	return f
}

func (f *conflictFixture) seedItemAndMod(delta map[string]any, baseRemote int64) (*model.WriteQueueItem, *model.PendingModification) {
	mod := &model.PendingModification{
		ID: "mod-1", RecordID: 1, OrganizationID: "org-1", EndpointID: "ep-1", BusinessKey: "EQ-1",
		Delta: delta,
		Snapshot: map[string]any{
			"name": "Excavator", "monthlyRate": float64(4500), "active": true,
		},
		SyncStatus: model.ModificationQueued, BaseVersion: 4, BaseRemoteVersion: baseRemote,
	}
	f.mods.Create(context.Background(), mod)

	item := &model.WriteQueueItem{
		ID: "item-1", ModificationID: "mod-1", BusinessKey: "EQ-1",
		OrganizationID: "org-1", EndpointID: "ep-1", Operation: model.OperationUpdate,
		Payload: delta, Status: model.ItemProcessing, ScheduledAt: time.Now().UTC(),
	}
	f.queue.items[item.ID] = item
	return item, mod
}

func remoteVersionInfo(version int64, rate float64) *remote.VersionInfo {
	return &remote.VersionInfo{
		Version: version,
		Payload: map[string]any{
			"EQUIP_NAME": "Excavator", "MONTHLY_RATE": rate, "IS_ACTIVE": true,
		},
	}
}

func TestCheck_NoConflictWhenRemoteAtBase(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(map[string]any{"monthlyRate": float64(5000)}, 9)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(9, 4500), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict != nil {
		t.Errorf("expected no conflict at base version, got %+v", conflict)
	}
}

func TestCheck_NoConflictWhenFieldsDisjoint(t *testing.T) {
	f := newConflictFixture()
	// The edit touches only name; the remote changed only monthlyRate.
	item, mod := f.seedItemAndMod(map[string]any{"name": "Excavator 320"}, 9)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(11, 4800), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict != nil {
		t.Errorf("disjoint field sets must not conflict, got fields %v", conflict.Fields)
	}
}

func TestCheck_ConflictOnOverlappingField(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(map[string]any{"monthlyRate": float64(5000)}, 9)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(11, 4800), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict")
	}
	if !reflect.DeepEqual(conflict.Fields, []string{"monthlyRate"}) {
		t.Errorf("expected conflicting fields [monthlyRate], got %v", conflict.Fields)
	}
	if conflict.RemoteVersion != 11 || conflict.LocalVersion != 4 {
		t.Errorf("unexpected versions: %+v", conflict)
	}
	if conflict.RemotePayload["monthlyRate"] != float64(4800) {
		t.Errorf("remote payload must carry mapped fields, got %v", conflict.RemotePayload)
	}

	if _, err := f.conflicts.Get(context.Background(), conflict.ID); err != nil {
		t.Errorf("conflict was not persisted: %v", err)
	}
}

func TestCheck_UnknownBaseTreatsEditAsContested(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(map[string]any{"name": "Excavator 320"}, 0)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(2, 4500), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict when the base remote version is unknown")
	}
	if !reflect.DeepEqual(conflict.Fields, []string{"name"}) {
		t.Errorf("expected the delta keys as contested fields, got %v", conflict.Fields)
	}
}

func TestCheck_DeleteContestsWholeRecord(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(nil, 9)
	item.Operation = model.OperationDelete
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(11, 4800), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("a delete against a moved remote must conflict")
	}
	if !reflect.DeepEqual(conflict.Fields, []string{"active", "monthlyRate", "name"}) {
		t.Errorf("a delete contests every snapshot field, got %v", conflict.Fields)
	}
}

func TestCheck_DeleteClearAtBase(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(nil, 9)
	item.Operation = model.OperationDelete
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return remoteVersionInfo(9, 4500), nil
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict != nil {
		t.Errorf("a delete at the base version must be clear, got %+v", conflict)
	}
}

func TestCheck_RemoteMissingIsClear(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(map[string]any{"name": "New Rig"}, 0)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return nil, &remote.Error{Op: "get_version", Status: 404}
	}

	conflict, err := f.svc.Check(context.Background(), item, mod)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if conflict != nil {
		t.Error("a missing remote record must not conflict")
	}
}

func TestCheck_TransientProbeErrorPropagates(t *testing.T) {
	f := newConflictFixture()
	item, mod := f.seedItemAndMod(map[string]any{"name": "x"}, 9)
	f.transport.getRecordVersion = func(context.Context, string, string) (*remote.VersionInfo, error) {
		return nil, &remote.Error{Op: "get_version", Status: 503}
	}

	_, err := f.svc.Check(context.Background(), item, mod)
	if !remote.IsTransient(err) {
		t.Errorf("expected transient error to propagate, got %v", err)
	}
}

func (f *conflictFixture) seedHeldConflict() *model.SyncConflict {
	item, mod := f.seedItemAndMod(map[string]any{"monthlyRate": float64(5000)}, 9)
	item.Status = model.ItemHeld
	mod.SyncStatus = model.ModificationConflict
	f.records.put(&model.MirrorRecord{
		OrganizationID: "org-1", EndpointID: "ep-1", BusinessKey: "EQ-1",
		Fields:    map[string]any{"name": "Excavator", "monthlyRate": float64(5000)},
		Version:   5, SyncState: model.SyncStateConflict, RemoteVersion: 9,
	})

	c := &model.SyncConflict{
		ID: "conf-1", ModificationID: "mod-1", QueueItemID: "item-1",
		BusinessKey: "EQ-1", OrganizationID: "org-1", EndpointID: "ep-1",
		LocalVersion: 4, RemoteVersion: 11,
		Fields:        []string{"monthlyRate"},
		LocalPayload:  map[string]any{"monthlyRate": float64(5000)},
		RemotePayload: map[string]any{"name": "Excavator", "monthlyRate": float64(4800), "active": true},
		Status:        model.ConflictUnresolved,
		DetectedAt:    time.Now().UTC(),
	}
	f.conflicts.Create(context.Background(), c)
	return c
}

func TestResolve_UseLocal(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	resp, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseLocal,
		ResolvedBy: "operator-1",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resp.Status != model.ConflictResolved || resp.Resolution != model.ResolveUseLocal {
		t.Errorf("unexpected response: %+v", resp)
	}

	item, _ := f.queue.Get(context.Background(), "item-1")
	if item.Status != model.ItemPending || !item.Force {
		t.Errorf("item must be released with force set, got %+v", item)
	}
	if item.Payload["monthlyRate"] != float64(5000) {
		t.Errorf("released payload must be the local edit, got %v", item.Payload)
	}

	mod, _ := f.mods.Get(context.Background(), "mod-1")
	if mod.SyncStatus != model.ModificationQueued {
		t.Errorf("expected queued, got %s", mod.SyncStatus)
	}
}

func TestResolve_UseRemote(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	if _, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseRemote,
		ResolvedBy: "operator-1",
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	item, _ := f.queue.Get(context.Background(), "item-1")
	if item.Status != model.ItemCompleted {
		t.Errorf("held item must complete without a write, got %s", item.Status)
	}

	mod, _ := f.mods.Get(context.Background(), "mod-1")
	if mod.SyncStatus != model.ModificationSynced {
		t.Errorf("expected synced, got %s", mod.SyncStatus)
	}

	rec, _ := f.records.GetByBusinessKey(context.Background(), "org-1", "EQ-1")
	if rec.Fields["monthlyRate"] != float64(4800) || rec.RemoteVersion != 11 {
		t.Errorf("mirror must take the remote state, got %+v", rec)
	}
	if rec.SyncState != model.SyncStateSynced {
		t.Errorf("expected synced state, got %s", rec.SyncState)
	}
}

func TestResolve_Merge(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	merged := map[string]any{"monthlyRate": float64(4900)}
	if _, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution:    model.ResolveMerge,
		MergedPayload: merged,
		ResolvedBy:    "operator-1",
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	item, _ := f.queue.Get(context.Background(), "item-1")
	if item.Payload["monthlyRate"] != float64(4900) || !item.Force {
		t.Errorf("item must carry the merged payload with force set, got %+v", item)
	}
}

func TestResolve_MergeValidatesPayload(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	_, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution:    model.ResolveMerge,
		MergedPayload: map[string]any{"notAField": 1},
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected ErrValidationFailed, got %v", err)
	}

	if _, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveMerge,
	}); !errors.Is(err, ErrMergePayloadRequired) {
		t.Errorf("expected ErrMergePayloadRequired, got %v", err)
	}
}

func TestResolve_Terminal(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	if _, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseLocal,
	}); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	_, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseRemote,
	})
	if !errors.Is(err, ErrConflictAlreadyResolved) {
		t.Errorf("expected ErrConflictAlreadyResolved, got %v", err)
	}
}

func TestResolve_ResumesWhenItemStillHeld(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	// The decision landed but the process died before the held item moved.
	if err := f.conflicts.Resolve(context.Background(), c.ID, model.ResolveUseLocal, nil, "operator-1"); err != nil {
		t.Fatalf("seeding recorded resolution failed: %v", err)
	}

	resp, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseLocal,
		ResolvedBy: "operator-1",
	})
	if err != nil {
		t.Fatalf("Resolve must finish a stranded decision, got %v", err)
	}
	if resp.Resolution != model.ResolveUseLocal {
		t.Errorf("expected the recorded decision, got %s", resp.Resolution)
	}

	item, _ := f.queue.Get(context.Background(), "item-1")
	if item.Status != model.ItemPending || !item.Force {
		t.Errorf("item must be released with force set, got %+v", item)
	}
	mod, _ := f.mods.Get(context.Background(), "mod-1")
	if mod.SyncStatus != model.ModificationQueued {
		t.Errorf("expected queued, got %s", mod.SyncStatus)
	}

	// With the item moved, the resolution is done for good.
	if _, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseLocal,
	}); !errors.Is(err, ErrConflictAlreadyResolved) {
		t.Errorf("expected ErrConflictAlreadyResolved, got %v", err)
	}
}

func TestResolve_InvalidResolution(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	_, err := f.svc.Resolve(context.Background(), "org-1", c.ID, &model.ResolveRequest{
		Resolution: model.Resolution("discard"),
	})
	if !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestResolve_ForeignOrganization(t *testing.T) {
	f := newConflictFixture()
	c := f.seedHeldConflict()

	_, err := f.svc.Resolve(context.Background(), "org-2", c.ID, &model.ResolveRequest{
		Resolution: model.ResolveUseLocal,
	})
	if !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("expected ErrConflictNotFound for foreign conflict, got %v", err)
	}
}
