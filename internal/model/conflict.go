package model

import "time"

// ConflictStatus is the lifecycle of a recorded divergence.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// Resolution is the operator's decision for a conflict.
type Resolution string

const (
	ResolveUseLocal  Resolution = "use_local"
	ResolveUseRemote Resolution = "use_remote"
	ResolveMerge     Resolution = "merge"
)

// SyncConflict records divergence between a local edit and the remote
// record it targets. Immutable once resolved except for the resolution
// metadata written by Resolve.
type SyncConflict struct {
	ID             string
	ModificationID string
	QueueItemID    string
	BusinessKey    string
	OrganizationID string
	EndpointID     string
	LocalVersion   int64
	RemoteVersion  int64
	Fields         []string
	LocalPayload   map[string]any
	RemotePayload  map[string]any
	Status         ConflictStatus
	Resolution     Resolution
	MergedPayload  map[string]any
	ResolvedBy     string
	DetectedAt     time.Time
	ResolvedAt     *time.Time
}

// ResolveRequest is the body for resolving a conflict.
type ResolveRequest struct {
	Resolution    Resolution     `json:"resolution"`
	MergedPayload map[string]any `json:"merged_payload,omitempty"`
	ResolvedBy    string         `json:"resolved_by"`
}

// ConflictResponse is the conflict listing/inspection shape.
type ConflictResponse struct {
	ConflictID     string         `json:"conflict_id"`
	ModificationID string         `json:"modification_id"`
	BusinessKey    string         `json:"business_key"`
	LocalVersion   int64          `json:"local_version"`
	RemoteVersion  int64          `json:"remote_version"`
	Fields         []string       `json:"fields"`
	LocalPayload   map[string]any `json:"local_payload"`
	RemotePayload  map[string]any `json:"remote_payload"`
	Status         ConflictStatus `json:"status"`
	Resolution     Resolution     `json:"resolution,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}
