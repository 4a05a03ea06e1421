package domain

import (
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchPending             BatchStatus = "pending"
	BatchRunning             BatchStatus = "running"
	BatchPaused              BatchStatus = "paused"
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchFailed              BatchStatus = "failed"
	BatchCancelled           BatchStatus = "cancelled"
)

func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchCancelled:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// BatchItem is one entity to migrate. Data is handed to the destination as-is.
type BatchItem struct {
	ID          string     `json:"id"`
	EntityType  string     `json:"entity_type"`
	Data        Entity     `json:"data,omitempty"`
	Status      ItemStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

type BatchJob struct {
	ID                     string        `json:"id"`
	Status                 BatchStatus   `json:"status"`
	BatchSize              int           `json:"batch_size"`
	TotalItems             int           `json:"total_items"`
	TotalBatches           int           `json:"total_batches"`
	CurrentBatch           int           `json:"current_batch"`
	Pending                []BatchItem   `json:"pending"`
	Processed              []BatchItem   `json:"processed"`
	Failed                 []BatchItem   `json:"failed"`
	CreateBackup           bool          `json:"create_backup,omitempty"`
	BackupID               string        `json:"backup_id,omitempty"`
	Error                  string        `json:"error,omitempty"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	CreatedAt              time.Time     `json:"created_at"`
	StartedAt              *time.Time    `json:"started_at,omitempty"`
	CompletedAt            *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// TotalBatchesFor returns ceil(items/size).
func TotalBatchesFor(items, size int) int {
	if size <= 0 || items <= 0 {
		return 0
	}
	return (items + size - 1) / size
}

// Clone returns a copy that shares no slices with j.
func (j *BatchJob) Clone() *BatchJob {
	c := *j
	c.Pending = append([]BatchItem(nil), j.Pending...)
	c.Processed = append([]BatchItem(nil), j.Processed...)
	c.Failed = append([]BatchItem(nil), j.Failed...)
	return &c
}

func (j *BatchJob) ProcessedCount() int {
	return len(j.Processed) + len(j.Failed)
}

// EstimateRemaining derives the time left from observed throughput.
func (j *BatchJob) EstimateRemaining(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	done := j.ProcessedCount()
	elapsed := now.Sub(*j.StartedAt).Minutes()
	if done == 0 || elapsed <= 0 {
		return 0
	}
	perMinute := float64(done) / elapsed
	minutes := float64(len(j.Pending)) / perMinute
	return time.Duration(minutes * float64(time.Minute))
}

type IncrementalStatus string

const (
	IncrementalRunning   IncrementalStatus = "running"
	IncrementalPaused    IncrementalStatus = "paused"
	IncrementalStopped   IncrementalStatus = "stopped"
	IncrementalFailed    IncrementalStatus = "failed"
	IncrementalCompleted IncrementalStatus = "completed"
)

func (s IncrementalStatus) IsTerminal() bool {
	return s == IncrementalStopped || s == IncrementalFailed || s == IncrementalCompleted
}

var incrementalTransitions = map[IncrementalStatus][]IncrementalStatus{
	IncrementalRunning: {IncrementalPaused, IncrementalStopped, IncrementalFailed, IncrementalCompleted},
	IncrementalPaused:  {IncrementalRunning, IncrementalStopped},
}

// ValidateIncrementalTransition rejects moves the incremental state machine does not allow.
func ValidateIncrementalTransition(from, to IncrementalStatus) error {
	for _, allowed := range incrementalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
}

type SyncError struct {
	Delta    DataDelta `json:"delta"`
	Message  string    `json:"message"`
	Kind     ErrorKind `json:"kind"`
	FailedAt time.Time `json:"failed_at"`
}

type SyncResult struct {
	Success       bool        `json:"success"`
	SyncedChanges int         `json:"synced_changes"`
	Applied       []DataDelta `json:"applied"`
	FailedChanges []SyncError `json:"failed_changes"`
	// Skipped holds deltas never attempted because the context ended first.
	Skipped  []DataDelta   `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

type IncrementalJob struct {
	ID                  string            `json:"id"`
	Status              IncrementalStatus `json:"status"`
	SyncInterval        time.Duration     `json:"sync_interval"`
	LastSyncTimestamp   time.Time         `json:"last_sync_timestamp"`
	PendingChanges      []DataDelta       `json:"pending_changes"`
	DetectedAt          time.Time         `json:"detected_at"`
	TotalChanges        int               `json:"total_changes"`
	SyncedChanges       int               `json:"synced_changes"`
	FailedChanges       []SyncError       `json:"failed_changes"`
	CycleCount          int               `json:"cycle_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	SingleCycle         bool              `json:"single_cycle,omitempty"`
	ScheduleID          string            `json:"schedule_id,omitempty"`
	BackupID            string            `json:"backup_id,omitempty"`
	Error               string            `json:"error,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	LastSyncAt          *time.Time        `json:"last_sync_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (j *IncrementalJob) Clone() *IncrementalJob {
	c := *j
	c.PendingChanges = append([]DataDelta(nil), j.PendingChanges...)
	c.FailedChanges = append([]SyncError(nil), j.FailedChanges...)
	return &c
}
