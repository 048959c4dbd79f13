// Package backup implements the operator flows on existing backups.
package backup

import (
	"context"
	"encoding/json"
	"time"

	"commissioner/internal/runner"
	"commissioner/internal/store"
	"commissioner/internal/task"
	"commissioner/internal/tasks"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the persistence the service needs
type Store interface {
	GetBackup(ctx context.Context, id uuid.UUID) (*store.Backup, error)
	TransitionBackup(ctx context.Context, id uuid.UUID, to store.BackupState) error
	HasActiveTask(ctx context.Context, taskType task.Type, resourceID string) (bool, error)
}

// Executor submits and waits for tasks
type Executor interface {
	Submit(ctx context.Context, taskType task.Type, params []byte) (uuid.UUID, error)
	WaitFor(ctx context.Context, id uuid.UUID, retries int, delay time.Duration) (*task.Task, error)
}

// Service stops running backups and queues deletions
type Service struct {
	store     Store
	executor  Executor
	processes *runner.ProcessRegistry
	logger    *zap.Logger
}

// NewService creates a backup service
func NewService(s Store, exec Executor, processes *runner.ProcessRegistry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, executor: exec, processes: processes, logger: logger}
}

func (s *Service) get(ctx context.Context, customerID string, id uuid.UUID) (*store.Backup, error) {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if customerID != "" && b.CustomerID != customerID {
		return nil, errors.Wrapf(task.ErrNotFound, "backup %s for customer %s", id, customerID)
	}
	return b, nil
}

// Stop kills the command creating an InProgress backup, waits for its task
// and leaves the backup Stopped. It fails with task.ErrWaitExceeded when the
// task is still not terminal after the configured wait.
func (s *Service) Stop(ctx context.Context, customerID string, backupID uuid.UUID) error {
	b, err := s.get(ctx, customerID, backupID)
	if err != nil {
		return err
	}
	if b.State != store.BackupInProgress {
		return errors.Wrapf(task.ErrInvalidTransition, "backup %s is %s, only in progress backups can be stopped", backupID, b.State)
	}
	key := backupID.String()
	if _, ok := s.processes.Get(key); !ok {
		return errors.Wrapf(runner.ErrNoProcess, "backup %s", backupID)
	}

	// Mark Stopped before the kill; the dying command then cannot record Failed
	if err := s.store.TransitionBackup(ctx, backupID, store.BackupStopped); err != nil {
		return err
	}
	if err := s.processes.Kill(key); err != nil && !errors.Is(err, runner.ErrNoProcess) {
		s.logger.Warn("Failed to kill backup process", zap.String("backup_id", key), zap.Error(err))
	}

	if _, err := s.executor.WaitFor(ctx, b.TaskID, 0, 0); err != nil {
		s.logger.Error("Backup task did not finish after stop",
			zap.String("backup_id", key),
			zap.String("task_id", b.TaskID.String()),
			zap.Error(err),
		)
		return errors.Wrapf(err, "backup %s stopped but task %s did not finish", backupID, b.TaskID)
	}
	s.logger.Info("Backup stopped", zap.String("backup_id", key))
	return nil
}

// Delete queues each backup for deletion and submits one DeleteBackup task per backup.
// Missing, in progress and already queued backups are skipped.
func (s *Service) Delete(ctx context.Context, customerID string, backupIDs []uuid.UUID) ([]uuid.UUID, error) {
	var submitted []uuid.UUID
	for _, id := range backupIDs {
		logger := s.logger.With(zap.String("backup_id", id.String()))

		b, err := s.get(ctx, customerID, id)
		if errors.Is(err, task.ErrNotFound) {
			logger.Warn("Backup not found, skipping")
			continue
		}
		if err != nil {
			return submitted, err
		}

		switch b.State {
		case store.BackupInProgress:
			logger.Info("Backup in progress, skipping delete")
			continue
		case store.BackupQueuedForDeletion, store.BackupDeleteInProgress:
			logger.Info("Backup already queued for deletion, skipping")
			continue
		}

		active, err := s.store.HasActiveTask(ctx, task.TypeDeleteBackup, id.String())
		if err != nil {
			return submitted, err
		}
		if active {
			return submitted, errors.Wrapf(task.ErrDuplicateTask, "delete of backup %s", id)
		}

		if err := s.store.TransitionBackup(ctx, id, store.BackupQueuedForDeletion); err != nil {
			if errors.Is(err, task.ErrInvalidTransition) {
				logger.Info("Backup cannot be deleted in its current state", zap.String("state", string(b.State)))
				continue
			}
			return submitted, err
		}

		params, err := json.Marshal(tasks.DeleteParams{Customer: b.CustomerID, BackupID: id})
		if err != nil {
			return submitted, err
		}
		taskID, err := s.executor.Submit(ctx, task.TypeDeleteBackup, params)
		if err != nil {
			return submitted, errors.Wrapf(err, "failed to submit delete of backup %s", id)
		}
		logger.Info("Backup queued for deletion", zap.String("task_id", taskID.String()))
		submitted = append(submitted, taskID)
	}
	return submitted, nil
}
