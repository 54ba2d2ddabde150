package model

import "time"

// SyncMode selects between a full pull and an incremental pull driven by
// the last completed job's watermark.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// JobStatus is the lifecycle of one inbound pull execution.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SyncJob is one inbound pull execution for an (organization, endpoint) pair.
type SyncJob struct {
	ID             string
	OrganizationID string
	EndpointID     string
	Mode           SyncMode
	Status         JobStatus
	BatchID        string // empty when the job was started standalone
	Total          int64
	Processed      int64
	Inserted       int64
	Updated        int64
	Errored        int64
	CurrentPage    int
	StartedAt      time.Time
	CompletedAt    *time.Time
	LastError      string
}

// BatchStatus is the rolled-up state of a group of jobs started together.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchPartial   BatchStatus = "partial"
)

// SyncBatch groups SyncJobs started by one fan-out request.
type SyncBatch struct {
	ID          string
	Kind        string
	Status      BatchStatus
	Total       int
	Completed   int
	Failed      int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// BatchTarget names one (organization, endpoint) pair in a fan-out.
type BatchTarget struct {
	OrganizationID string   `json:"organization_id"`
	EndpointID     string   `json:"endpoint_id"`
	Mode           SyncMode `json:"mode"`
}

// StartSyncRequest is the body for starting a single inbound pull.
type StartSyncRequest struct {
	EndpointID string   `json:"endpoint_id"`
	Mode       SyncMode `json:"mode"`
}

// StartSyncResponse returns the job id to poll. Existing is true when an
// already-running job for the same pair was returned instead of a new one.
type StartSyncResponse struct {
	JobID    string `json:"job_id"`
	Existing bool   `json:"existing,omitempty"`
}

// ProgressResponse reports inbound job progress for polling clients.
type ProgressResponse struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Mode        SyncMode   `json:"mode"`
	Total       int64      `json:"total"`
	Processed   int64      `json:"processed"`
	Inserted    int64      `json:"inserted"`
	Updated     int64      `json:"updated"`
	Errored     int64      `json:"errored"`
	CurrentPage int        `json:"current_page"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// StartBatchRequest fans out one sync job per target.
type StartBatchRequest struct {
	Kind    string        `json:"kind"`
	Targets []BatchTarget `json:"targets"`
}

// StartBatchResponse returns the batch id and its member job ids.
type StartBatchResponse struct {
	BatchID string   `json:"batch_id"`
	JobIDs  []string `json:"job_ids"`
}

// BatchStatusResponse reports batch roll-up status with aggregate record
// counts summed over member jobs at read time.
type BatchStatusResponse struct {
	BatchID        string            `json:"batch_id"`
	Kind           string            `json:"kind"`
	Status         BatchStatus       `json:"status"`
	TotalSyncs     int               `json:"total_syncs"`
	CompletedSyncs int               `json:"completed_syncs"`
	FailedSyncs    int               `json:"failed_syncs"`
	Processed      int64             `json:"processed"`
	Inserted       int64             `json:"inserted"`
	Updated        int64             `json:"updated"`
	Errored        int64             `json:"errored"`
	Jobs           []BatchJobSummary `json:"jobs"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// BatchJobSummary is one member job inside a batch status report.
type BatchJobSummary struct {
	JobID          string    `json:"job_id"`
	OrganizationID string    `json:"organization_id"`
	EndpointID     string    `json:"endpoint_id"`
	Status         JobStatus `json:"status"`
	Processed      int64     `json:"processed"`
	Errored        int64     `json:"errored"`
	LastError      string    `json:"last_error,omitempty"`
}
