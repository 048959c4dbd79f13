package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/storage"
	"commissioner/internal/store"
	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeleteParams are the params of a DeleteBackup task
type DeleteParams struct {
	Customer string    `json:"customer"`
	BackupID uuid.UUID `json:"backup_id"`
}

// deleteRegistration targets the backup itself and takes no universe lock
func deleteRegistration(deps Deps) executor.Registration {
	return executor.Registration{
		Type:      task.TypeDeleteBackup,
		Category:  "delete_backup",
		Retryable: true,
		Validate: func(params []byte) (executor.Target, error) {
			var p DeleteParams
			if err := decode(params, &p); err != nil {
				return executor.Target{}, err
			}
			if p.BackupID == uuid.Nil {
				return executor.Target{}, task.Validationf("backup_id is required")
			}
			return executor.Target{ResourceID: p.BackupID.String(), ExpectedVersion: lock.AnyVersion}, nil
		},
		Plan: func(ctx context.Context, t *task.Task) (*executor.Plan, error) {
			var p DeleteParams
			if err := decode(t.Params, &p); err != nil {
				return nil, err
			}
			g := subtask.NewGroup("DeletingBackup", subtask.Sequential)
			_ = g.Add(subtask.NewAction("DeleteBackup", subtask.Params(p.BackupID), deleteBackup(deps)))
			q := subtask.NewQueue(t.ID, deps.Logger)
			q.Append(g)
			return &executor.Plan{Queue: q}, nil
		},
	}
}

func deleteBackup(deps Deps) subtask.Func {
	return func(ctx context.Context, raw []byte) subtask.Result {
		var id uuid.UUID
		if err := json.Unmarshal(raw, &id); err != nil {
			return subtask.Failed(err, "")
		}
		logger := deps.Logger.With(zap.String("backup_id", id.String()))

		b, err := deps.Store.GetBackup(ctx, id)
		if err != nil {
			return subtask.Failed(err, "")
		}
		// A retried delete finds the backup where the failed attempt left it
		if b.State == store.BackupFailedToDelete {
			if err := deps.Store.TransitionBackup(ctx, id, store.BackupQueuedForDeletion); err != nil {
				return subtask.Failed(err, "")
			}
		}
		if err := deps.Store.TransitionBackup(ctx, id, store.BackupDeleteInProgress); err != nil {
			return subtask.Failed(err, "")
		}

		removed := 0
		if deps.Storage != nil {
			removed, err = storage.RemovePrefix(ctx, deps.Storage, deps.Bucket, b.Location)
			if err != nil {
				logger.Error("Failed to remove backup artifacts", zap.String("location", b.Location), zap.Error(err))
				if terr := deps.Store.TransitionBackup(ctx, id, store.BackupFailedToDelete); terr != nil {
					logger.Error("Failed to mark backup", zap.Error(terr))
				}
				return subtask.Failed(err, "")
			}
		} else {
			logger.Warn("Object storage not configured, only the record is deleted")
		}

		if err := deps.Store.TransitionBackup(ctx, id, store.BackupDeleted); err != nil {
			return subtask.Failed(err, "")
		}
		logger.Info("Backup deleted", zap.Int("objects_removed", removed))
		return subtask.Succeeded(fmt.Sprintf("removed %d objects", removed))
	}
}
