package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"

	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/runner"
	"commissioner/internal/store"
	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BackupParams are the params of a MultiTableBackup task
type BackupParams struct {
	Universe          string   `json:"universe"`
	Customer          string   `json:"customer"`
	Keyspace          string   `json:"keyspace"`
	Tables            []string `json:"tables"`
	Transactional     bool     `json:"transactional,omitempty"`
	AlterLoadBalancer bool     `json:"alter_load_balancer,omitempty"`
	Parallelism       int      `json:"parallelism,omitempty"`
	StorageConfig     string   `json:"storage_config,omitempty"`
	ScheduleID        string   `json:"schedule_id,omitempty"`
	ExpectedVersion   *int64   `json:"expected_version,omitempty"`
}

// backupTableParams is the snapshot one BackupTable action runs against
type backupTableParams struct {
	BackupID uuid.UUID `json:"backup_id"`
	Universe string    `json:"universe"`
	Keyspace string    `json:"keyspace"`
	Tables   []string  `json:"tables"`
	Location string    `json:"location"`
}

func backupRegistration(deps Deps) executor.Registration {
	return executor.Registration{
		Type:      task.TypeMultiTableBackup,
		Category:  "backup",
		Flavors:   []lock.Flavor{lock.FlavorUpdate, lock.FlavorBackup},
		Abortable: true,
		Retryable: true,
		Validate: func(params []byte) (executor.Target, error) {
			var p BackupParams
			if err := decode(params, &p); err != nil {
				return executor.Target{}, err
			}
			if p.Universe == "" {
				return executor.Target{}, task.Validationf("universe is required")
			}
			if p.Keyspace == "" {
				return executor.Target{}, task.Validationf("keyspace is required")
			}
			if len(p.Tables) == 0 {
				return executor.Target{}, task.Validationf("no tables to back up in %s", p.Keyspace)
			}
			if p.Parallelism < 0 {
				return executor.Target{}, task.Validationf("parallelism must not be negative")
			}
			return target(p.Universe, p.ExpectedVersion), nil
		},
		Plan: func(ctx context.Context, t *task.Task) (*executor.Plan, error) {
			return planBackup(ctx, deps, t)
		},
	}
}

// BackupLocation is where the artifacts of a backup are stored
func BackupLocation(universe string, backupID uuid.UUID) string {
	return path.Join("univ-"+universe, "backup-"+backupID.String())
}

func planBackup(ctx context.Context, deps Deps, t *task.Task) (*executor.Plan, error) {
	var p BackupParams
	if err := decode(t.Params, &p); err != nil {
		return nil, err
	}
	logger := deps.Logger.With(zap.String("task_id", t.ID.String()), zap.String("universe", p.Universe))

	// A transactional backup is one artifact covering every table
	batches := make([][]string, 0, len(p.Tables))
	if p.Transactional {
		batches = append(batches, p.Tables)
	} else {
		for _, table := range p.Tables {
			batches = append(batches, []string{table})
		}
	}

	backups := subtask.NewGroup("CreatingTableBackup", subtask.Parallel)
	backups.IgnoreErrors = true
	backups.Parallelism = p.Parallelism
	created := make([]uuid.UUID, 0, len(batches))
	for _, tables := range batches {
		b := &store.Backup{
			ID:            uuid.New(),
			TaskID:        t.ID,
			CustomerID:    p.Customer,
			ResourceID:    p.Universe,
			State:         store.BackupInProgress,
			StorageConfig: p.StorageConfig,
		}
		b.Location = BackupLocation(p.Universe, b.ID)
		if err := deps.Store.CreateBackup(ctx, b); err != nil {
			failPending(context.WithoutCancel(ctx), deps, created, logger)
			return nil, err
		}
		created = append(created, b.ID)
		logger.Info("Backup created",
			zap.String("backup_id", b.ID.String()),
			zap.Strings("tables", tables),
		)

		params := subtask.Params(backupTableParams{
			BackupID: b.ID,
			Universe: p.Universe,
			Keyspace: p.Keyspace,
			Tables:   tables,
			Location: b.Location,
		})
		if err := backups.Add(subtask.NewAction("BackupTable", params, backupTable(deps))); err != nil {
			return nil, err
		}
	}

	q := subtask.NewQueue(t.ID, deps.Logger)
	rollback := subtask.NewQueue(t.ID, deps.Logger)
	if p.AlterLoadBalancer {
		disable := subtask.NewGroup("ConfigureUniverse", subtask.Sequential)
		_ = disable.Add(commandAction("DisableLoadBalancer", deps.Runner, loadBalancerCommand(p.Universe, false)))
		q.Append(disable)
	}
	q.Append(backups)
	if p.AlterLoadBalancer {
		enable := subtask.NewGroup("ConfigureUniverse", subtask.Sequential)
		_ = enable.Add(commandAction("EnableLoadBalancer", deps.Runner, loadBalancerCommand(p.Universe, true)))
		q.Append(enable)

		restore := subtask.NewGroup("ConfigureUniverse", subtask.Sequential)
		_ = restore.Add(commandAction("EnableLoadBalancer", deps.Runner, loadBalancerCommand(p.Universe, true)))
		rollback.Append(restore)
	}
	q.Append(markSuccessGroup(deps, p.Universe))

	// Backups the halted queue never reached would otherwise stay InProgress
	pending := subtask.NewGroup("FailingPendingBackups", subtask.Sequential)
	_ = pending.Add(subtask.NewAction("MarkBackupsFailed", subtask.Params(created), func(ctx context.Context, raw []byte) subtask.Result {
		var ids []uuid.UUID
		if err := json.Unmarshal(raw, &ids); err != nil {
			return subtask.Failed(err, "")
		}
		n := failPending(ctx, deps, ids, logger)
		return subtask.Succeeded(fmt.Sprintf("marked %d backups failed", n))
	}))
	rollback.Append(pending)

	return &executor.Plan{Queue: q, Rollback: rollback}, nil
}

// failPending marks the backups that are still InProgress as Failed and
// returns how many it changed
func failPending(ctx context.Context, deps Deps, ids []uuid.UUID, logger *zap.Logger) int {
	n := 0
	for _, id := range ids {
		b, err := deps.Store.GetBackup(ctx, id)
		if err != nil {
			logger.Error("Failed to load backup", zap.String("backup_id", id.String()), zap.Error(err))
			continue
		}
		if b.State != store.BackupInProgress {
			continue
		}
		if err := deps.Store.TransitionBackup(ctx, id, store.BackupFailed); err != nil {
			if !errors.Is(err, task.ErrInvalidTransition) {
				logger.Error("Failed to mark backup failed", zap.String("backup_id", id.String()), zap.Error(err))
			}
			continue
		}
		logger.Info("Backup marked failed, task halted before it ran", zap.String("backup_id", id.String()))
		n++
	}
	return n
}

// backupTable creates one backup artifact and records its outcome on the backup record
func backupTable(deps Deps) subtask.Func {
	return func(ctx context.Context, raw []byte) subtask.Result {
		var p backupTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return subtask.Failed(err, "")
		}
		logger := deps.Logger.With(zap.String("backup_id", p.BackupID.String()))

		fail := func(err error, output string) subtask.Result {
			if terr := deps.Store.TransitionBackup(ctx, p.BackupID, store.BackupFailed); terr != nil {
				// a stopped backup is already terminal
				if !errors.Is(terr, task.ErrInvalidTransition) {
					logger.Error("Failed to mark backup failed", zap.Error(terr))
				}
			}
			return subtask.Failed(err, output)
		}

		resource, err := deps.Store.GetResource(ctx, p.Universe)
		if err != nil {
			return fail(err, "")
		}
		if !resource.TakeBackups {
			if err := deps.Store.TransitionBackup(ctx, p.BackupID, store.BackupSkipped); err != nil {
				return subtask.Failed(err, "")
			}
			logger.Info("Backups disabled on universe, skipping", zap.String("universe", p.Universe))
			return subtask.Skipped("backups disabled on " + p.Universe)
		}

		sizes := make([]int64, 0, len(p.Tables))
		var output string
		for i, table := range p.Tables {
			cmd := runner.Command{
				Name: "create_backup",
				Args: []string{
					"--universe", p.Universe,
					"--keyspace", p.Keyspace,
					"--table", table,
					"--location", p.Location,
					"--index", strconv.Itoa(i),
				},
				ProcessKey: p.BackupID.String(),
			}
			resp, err := deps.Runner.Run(ctx, cmd)
			if err != nil {
				return fail(errors.Wrapf(task.ErrActionFailure, "create_backup %s: %v", table, err), resp.Output)
			}
			doc, err := runner.ParseOutput(cmd.Name, resp)
			if err != nil {
				return fail(err, resp.Output)
			}
			sizes = append(sizes, runner.BackupSize(doc))
			output = resp.Output
		}

		if err := deps.Store.CompleteBackup(ctx, p.BackupID, sizes); err != nil {
			return fail(err, output)
		}
		logger.Info("Backup completed", zap.Int64s("sub_sizes", sizes))
		return subtask.Succeeded(output)
	}
}
