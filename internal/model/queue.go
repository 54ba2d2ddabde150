package model

import "time"

// Operation is the kind of outbound write pushed to the remote system.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// QueueItemStatus is the lifecycle of one outbound work unit. An item is
// `held` while an unresolved conflict blocks it; resolution moves it back
// to `pending` or straight to `completed`.
type QueueItemStatus string

const (
	ItemPending    QueueItemStatus = "pending"
	ItemProcessing QueueItemStatus = "processing"
	ItemHeld       QueueItemStatus = "held"
	ItemCompleted  QueueItemStatus = "completed"
	ItemFailed     QueueItemStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// WriteQueueItem is a durable unit of outbound work. At most one
// non-terminal item exists per modification id.
type WriteQueueItem struct {
	ID             string
	ModificationID string
	BusinessKey    string
	OrganizationID string
	EndpointID     string
	Operation      Operation
	Payload        map[string]any
	Priority       int // 0-10, higher drains first
	Force          bool // set on resolution re-enqueue; skips the conflict check
	ScheduledAt    time.Time
	Status         QueueItemStatus
	Attempts       int
	LastError      string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnqueueRequest is the body for queueing a pending modification.
type EnqueueRequest struct {
	ModificationID string    `json:"modification_id"`
	Operation      Operation `json:"operation"`
	Priority       int       `json:"priority"`
}

// EnqueueResponse returns the queue item covering the modification.
// Existing is true when a non-terminal item already covered it.
type EnqueueResponse struct {
	ItemID   string `json:"item_id"`
	Existing bool   `json:"existing,omitempty"`
}

// QueueItemResponse is the queue listing/inspection shape.
type QueueItemResponse struct {
	ItemID         string          `json:"item_id"`
	ModificationID string          `json:"modification_id"`
	BusinessKey    string          `json:"business_key"`
	Operation      Operation       `json:"operation"`
	Priority       int             `json:"priority"`
	Status         QueueItemStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// QueueStatsResponse summarizes queue depth by status.
type QueueStatsResponse struct {
	Pending          int        `json:"pending"`
	Processing       int        `json:"processing"`
	Held             int        `json:"held"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	OldestPendingAge float64    `json:"oldest_pending_age_seconds"`
	AsOf             time.Time  `json:"as_of"`
}

// RetryResponse returns the fresh item created by an operator retry.
type RetryResponse struct {
	ItemID string `json:"item_id"`
}
