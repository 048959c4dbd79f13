package store

import (
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
)

// BackupState is the lifecycle state of one backup artifact
type BackupState string

const (
	BackupInProgress        BackupState = "InProgress"
	BackupCompleted         BackupState = "Completed"
	BackupFailed            BackupState = "Failed"
	BackupSkipped           BackupState = "Skipped"
	BackupStopped           BackupState = "Stopped"
	BackupQueuedForDeletion BackupState = "QueuedForDeletion"
	BackupDeleteInProgress  BackupState = "DeleteInProgress"
	BackupFailedToDelete    BackupState = "FailedToDelete"
	BackupDeleted           BackupState = "Deleted"
)

var backupTransitions = map[BackupState][]BackupState{
	BackupInProgress:        {BackupCompleted, BackupFailed, BackupSkipped, BackupStopped},
	BackupCompleted:         {BackupQueuedForDeletion},
	BackupFailed:            {BackupQueuedForDeletion},
	BackupSkipped:           {BackupQueuedForDeletion},
	BackupStopped:           {BackupQueuedForDeletion},
	BackupFailedToDelete:    {BackupQueuedForDeletion},
	BackupQueuedForDeletion: {BackupDeleteInProgress, BackupFailedToDelete},
	BackupDeleteInProgress:  {BackupDeleted, BackupFailedToDelete},
}

// CheckBackupTransition validates a backup state change
func CheckBackupTransition(from, to BackupState) error {
	for _, next := range backupTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &task.TransitionError{From: string(from), To: string(to)}
}

// Backup is the persisted lifecycle of one backup artifact
type Backup struct {
	ID            uuid.UUID   `json:"id"`
	TaskID        uuid.UUID   `json:"task_id"`
	CustomerID    string      `json:"customer_id"`
	ResourceID    string      `json:"resource_id"`
	State         BackupState `json:"state"`
	TotalSize     int64       `json:"total_size"`
	SubSizes      []int64     `json:"sub_sizes,omitempty"`
	Location      string      `json:"location"`
	StorageConfig string      `json:"storage_config,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}
