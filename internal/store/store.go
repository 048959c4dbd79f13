package store

import (
	"context"
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
)

// Resource is the lockable target of a task, usually a universe
type Resource struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Version          int64     `json:"version"`
	Paused           bool      `json:"paused"`
	TakeBackups      bool      `json:"take_backups"`
	UpdateInProgress bool      `json:"update_in_progress"`
	UpdateHeldBy     string    `json:"update_held_by,omitempty"`
	BackupInProgress bool      `json:"backup_in_progress"`
	BackupHeldBy     string    `json:"backup_held_by,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ScheduleStatus is the state of a recurring schedule
type ScheduleStatus string

const (
	ScheduleActive  ScheduleStatus = "Active"
	ScheduleStopped ScheduleStatus = "Stopped"
)

// Schedule submits a task type against a resource on a cadence
type Schedule struct {
	ID         uuid.UUID      `json:"id"`
	TaskType   task.Type      `json:"task_type"`
	ResourceID string         `json:"resource_id"`
	Params     []byte         `json:"params,omitempty"`
	CronExpr   string         `json:"cron_expr,omitempty"`
	Frequency  time.Duration  `json:"frequency,omitempty"`
	Status     ScheduleStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store defines the persistence used by the orchestrator
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*task.Task, error)
	TransitionTask(ctx context.Context, id uuid.UUID, to task.State, errMsg string) error
	UpdateTaskProgress(ctx context.Context, id uuid.UUID, completed, total int) error
	HasActiveTask(ctx context.Context, taskType task.Type, resourceID string) (bool, error)

	// Backup operations
	CreateBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id uuid.UUID) (*Backup, error)
	ListBackupsByTask(ctx context.Context, taskID uuid.UUID) ([]*Backup, error)
	TransitionBackup(ctx context.Context, id uuid.UUID, to BackupState) error
	CompleteBackup(ctx context.Context, id uuid.UUID, subSizes []int64) error

	// Resource operations
	UpsertResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	IncrementVersion(ctx context.Context, id string) (int64, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)
	StopSchedule(ctx context.Context, id uuid.UUID) error
	LinkScheduleTask(ctx context.Context, scheduleID, taskID uuid.UUID) error
	LatestScheduleTask(ctx context.Context, scheduleID uuid.UUID) (*task.Task, error)

	// Cleanup
	Close() error
}
