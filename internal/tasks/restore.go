package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/runner"
	"commissioner/internal/storage"
	"commissioner/internal/store"
	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RestoreParams are the params of a RestoreBackup task
type RestoreParams struct {
	Universe        string    `json:"universe"`
	BackupID        uuid.UUID `json:"backup_id"`
	Keyspace        string    `json:"keyspace,omitempty"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"`
}

func restoreRegistration(deps Deps) executor.Registration {
	return executor.Registration{
		Type:      task.TypeRestoreBackup,
		Category:  "restore",
		Flavors:   []lock.Flavor{lock.FlavorUpdate},
		Abortable: true,
		Retryable: true,
		Validate: func(params []byte) (executor.Target, error) {
			var p RestoreParams
			if err := decode(params, &p); err != nil {
				return executor.Target{}, err
			}
			if p.Universe == "" {
				return executor.Target{}, task.Validationf("universe is required")
			}
			if p.BackupID == uuid.Nil {
				return executor.Target{}, task.Validationf("backup_id is required")
			}
			return target(p.Universe, p.ExpectedVersion), nil
		},
		Plan: func(ctx context.Context, t *task.Task) (*executor.Plan, error) {
			var p RestoreParams
			if err := decode(t.Params, &p); err != nil {
				return nil, err
			}
			b, err := deps.Store.GetBackup(ctx, p.BackupID)
			if err != nil {
				return nil, err
			}
			if b.State != store.BackupCompleted {
				return nil, errors.Wrapf(task.ErrValidation, "backup %s is %s, only completed backups can be restored", b.ID, b.State)
			}

			verify := subtask.NewGroup("VerifyBackupArtifacts", subtask.Sequential)
			_ = verify.Add(subtask.NewAction("CheckArtifacts", subtask.Params(b.Location), verifyArtifacts(deps)))

			args := []string{"--universe", p.Universe, "--location", b.Location}
			if p.Keyspace != "" {
				args = append(args, "--keyspace", p.Keyspace)
			}
			restore := subtask.NewGroup("RestoringBackup", subtask.Sequential)
			_ = restore.Add(commandAction("RestoreBackup", deps.Runner, runner.Command{
				Name:       "restore_backup",
				Args:       args,
				ProcessKey: t.ID.String(),
			}))

			q := subtask.NewQueue(t.ID, deps.Logger)
			q.Append(verify, restore, markSuccessGroup(deps, p.Universe))
			return &executor.Plan{Queue: q}, nil
		},
	}
}

func verifyArtifacts(deps Deps) subtask.Func {
	return func(ctx context.Context, raw []byte) subtask.Result {
		var location string
		if err := json.Unmarshal(raw, &location); err != nil {
			return subtask.Failed(err, "")
		}
		if deps.Storage == nil {
			return subtask.Skipped("object storage not configured")
		}
		count, size, err := storage.Usage(ctx, deps.Storage, deps.Bucket, location)
		if err != nil {
			return subtask.Failed(err, "")
		}
		if count == 0 {
			return subtask.Failed(errors.Wrapf(task.ErrActionFailure, "no artifacts under %s", location), "")
		}
		deps.Logger.Debug("Backup artifacts found",
			zap.String("location", location),
			zap.Int64("objects", count),
			zap.Int64("bytes", size),
		)
		return subtask.Succeeded(fmt.Sprintf("%d objects, %d bytes", count, size))
	}
}
