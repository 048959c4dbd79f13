// Package tasks holds the planners for every task type the executor knows.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

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

// Store is the persistence the planners and their actions use
type Store interface {
	GetResource(ctx context.Context, id string) (*store.Resource, error)
	CreateBackup(ctx context.Context, b *store.Backup) error
	GetBackup(ctx context.Context, id uuid.UUID) (*store.Backup, error)
	TransitionBackup(ctx context.Context, id uuid.UUID, to store.BackupState) error
	CompleteBackup(ctx context.Context, id uuid.UUID, subSizes []int64) error
}

// Deps are the collaborators shared by every planner
type Deps struct {
	Store    Store
	Runner   runner.ActionRunner
	Versions lock.Versioner
	// Storage may be nil, in which case artifact checks and removal are skipped
	Storage storage.Client
	Bucket  string
	Logger  *zap.Logger
}

// Register adds every task type to reg
func Register(reg *executor.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	regs := []executor.Registration{
		backupRegistration(deps),
		restoreRegistration(deps),
		deleteRegistration(deps),
		upgradeRegistration(deps, task.TypeUpgradeSoftware),
		upgradeRegistration(deps, task.TypeUpgradeGFlags),
		upgradeRegistration(deps, task.TypeRestartUniverse),
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	if missing := reg.Missing(); len(missing) > 0 {
		return errors.Errorf("task types without a planner: %v", missing)
	}
	return nil
}

func decode(params []byte, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return task.Validationf("invalid params: %v", err)
	}
	return nil
}

func target(resourceID string, expected *int64) executor.Target {
	t := executor.Target{ResourceID: resourceID, ExpectedVersion: lock.AnyVersion}
	if expected != nil {
		t.ExpectedVersion = *expected
	}
	return t
}

// runStep runs a command and turns a non-zero exit into an ActionError
func runStep(ctx context.Context, r runner.ActionRunner, cmd runner.Command) subtask.Result {
	resp, err := r.Run(ctx, cmd)
	if err != nil {
		return subtask.Failed(errors.Wrapf(task.ErrActionFailure, "%s: %v", cmd.Name, err), resp.Output)
	}
	if resp.ExitCode != 0 {
		return subtask.Failed(&task.ActionError{Action: cmd.Name, ExitCode: resp.ExitCode, Output: resp.Output}, resp.Output)
	}
	return subtask.Succeeded(resp.Output)
}

// commandAction wraps a single command as an action
func commandAction(name string, r runner.ActionRunner, cmd runner.Command) *subtask.Action {
	return subtask.NewAction(name, subtask.Params(cmd), func(ctx context.Context, params []byte) subtask.Result {
		var c runner.Command
		if err := json.Unmarshal(params, &c); err != nil {
			return subtask.Failed(err, "")
		}
		return runStep(ctx, r, c)
	})
}

// markSuccessGroup bumps the resource version once everything before it has succeeded
func markSuccessGroup(deps Deps, resourceID string) *subtask.Group {
	g := subtask.NewGroup("ConfigureUniverse", subtask.Sequential)
	_ = g.Add(subtask.NewAction("MarkUpdateSuccess", nil, func(ctx context.Context, _ []byte) subtask.Result {
		if deps.Versions == nil {
			return subtask.Skipped("no version tracking")
		}
		version, err := deps.Versions.IncrementVersion(ctx, resourceID)
		if err != nil {
			return subtask.Failed(errors.Wrapf(err, "failed to mark %s updated", resourceID), "")
		}
		return subtask.Succeeded(fmt.Sprintf("version %d", version))
	}))
	return g
}

func loadBalancerCommand(universe string, enable bool) runner.Command {
	return runner.Command{
		Name: "set_load_balancer",
		Args: []string{"--universe", universe, fmt.Sprintf("--enable=%t", enable)},
	}
}

func sortedFlags(flags map[string]string) []string {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, "--gflag", k+"="+flags[k])
	}
	return out
}
