package domain

import (
	"time"
)

type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupCorrupted  BackupStatus = "corrupted"
)

type BackupInfo struct {
	BackupID       string       `json:"backup_id"`
	MigrationID    string       `json:"migration_id"`
	Type           BackupType   `json:"type"`
	ParentBackupID string       `json:"parent_backup_id,omitempty"`
	Status         BackupStatus `json:"status"`
	FilePath       string       `json:"file_path"`
	Size           int64        `json:"size"`
	Remotes        []string     `json:"remotes,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// BackupMetadata is written as metadata.json inside every archive.
type BackupMetadata struct {
	BackupID       string     `json:"backup_id"`
	MigrationID    string     `json:"migration_id"`
	Type           BackupType `json:"type"`
	ParentBackupID string     `json:"parent_backup_id,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
	EntityTypes    []string   `json:"entity_types"`
	Timestamp      time.Time  `json:"timestamp"`
}

type BackupResult struct {
	Success  bool   `json:"success"`
	BackupID string `json:"backup_id,omitempty"`
	Message  string `json:"message"`
}

type RestoreResult struct {
	Success  bool     `json:"success"`
	BackupID string   `json:"backup_id"`
	Message  string   `json:"message"`
	Restored []string `json:"restored,omitempty"`
}

// Snapshot captures both platforms before a migration so it can be rolled back.
type Snapshot struct {
	JobID       string              `json:"job_id"`
	TakenAt     time.Time           `json:"taken_at"`
	Source      map[string][]Entity `json:"source"`
	Destination map[string][]Entity `json:"destination"`
}

type RollbackResult struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	Reason    string `json:"reason"`
	Deleted   int    `json:"deleted"`
	Restored  int    `json:"restored"`
	Validated bool   `json:"validated"`
	Message   string `json:"message"`
}
