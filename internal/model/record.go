package model

import "time"

// SyncState tracks how a mirror record relates to its remote counterpart.
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStatePendingSync SyncState = "pending_sync"
	SyncStateConflict    SyncState = "conflict"
)

// MirrorRecord is the local copy of a remote entity, keyed by the stable
// business key the remote system assigns.
type MirrorRecord struct {
	ID             int64
	OrganizationID string
	EndpointID     string
	BusinessKey    string
	Fields         map[string]any
	Version        int64
	SyncState      SyncState
	RemoteVersion  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ModificationStatus tracks a local edit through the outbound pipeline.
type ModificationStatus string

const (
	ModificationPending  ModificationStatus = "pending_sync"
	ModificationQueued   ModificationStatus = "queued"
	ModificationConflict ModificationStatus = "conflict"
	ModificationSynced   ModificationStatus = "synced"
)

// PendingModification is a local edit that has not yet been pushed to the
// remote system. Snapshot holds the record fields as they were at
// BaseVersion; Delta holds only the fields the edit changed.
type PendingModification struct {
	ID                string
	RecordID          int64
	OrganizationID    string
	EndpointID        string
	BusinessKey       string
	Delta             map[string]any
	Snapshot          map[string]any
	Author            string
	SyncStatus        ModificationStatus
	BaseVersion       int64
	BaseRemoteVersion int64 // 0 means the remote version was unknown at edit time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ModificationRequest is the body for creating a local edit.
type ModificationRequest struct {
	Delta  map[string]any `json:"delta"`
	Author string         `json:"author"`
}

// ModificationResponse is returned after a local edit is recorded.
type ModificationResponse struct {
	ModificationID string             `json:"modification_id"`
	BusinessKey    string             `json:"business_key"`
	BaseVersion    int64              `json:"base_version"`
	SyncStatus     ModificationStatus `json:"sync_status"`
	CreatedAt      time.Time          `json:"created_at"`
}
