package tasks

import (
	"context"

	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/runner"
	"commissioner/internal/subtask"
	"commissioner/internal/task"
)

// UpgradeParams are the params of UpgradeSoftware, UpgradeGFlags and RestartUniverse tasks
type UpgradeParams struct {
	Universe        string            `json:"universe"`
	Nodes           []string          `json:"nodes"`
	Rolling         bool              `json:"rolling,omitempty"`
	SoftwareVersion string            `json:"software_version,omitempty"`
	GFlags          map[string]string `json:"gflags,omitempty"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
}

type nodeOperation struct {
	group   string
	command string
	args    func(p UpgradeParams) []string
	check   func(p UpgradeParams) error
}

var nodeOperations = map[task.Type]nodeOperation{
	task.TypeUpgradeSoftware: {
		group:   "UpgradingSoftware",
		command: "upgrade_software",
		args:    func(p UpgradeParams) []string { return []string{"--version", p.SoftwareVersion} },
		check: func(p UpgradeParams) error {
			if p.SoftwareVersion == "" {
				return task.Validationf("software_version is required")
			}
			return nil
		},
	},
	task.TypeUpgradeGFlags: {
		group:   "UpdatingGFlags",
		command: "upgrade_gflags",
		args:    func(p UpgradeParams) []string { return sortedFlags(p.GFlags) },
		check: func(p UpgradeParams) error {
			if len(p.GFlags) == 0 {
				return task.Validationf("gflags are required")
			}
			return nil
		},
	},
	task.TypeRestartUniverse: {
		group:   "RestartingNodes",
		command: "restart_node",
		args:    func(UpgradeParams) []string { return nil },
		check:   func(UpgradeParams) error { return nil },
	},
}

func upgradeRegistration(deps Deps, taskType task.Type) executor.Registration {
	op := nodeOperations[taskType]
	category := "upgrade"
	if taskType == task.TypeRestartUniverse {
		category = "restart"
	}
	return executor.Registration{
		Type:      taskType,
		Category:  category,
		Flavors:   []lock.Flavor{lock.FlavorUpdate},
		Retryable: true,
		Validate: func(params []byte) (executor.Target, error) {
			var p UpgradeParams
			if err := decode(params, &p); err != nil {
				return executor.Target{}, err
			}
			if p.Universe == "" {
				return executor.Target{}, task.Validationf("universe is required")
			}
			if len(p.Nodes) == 0 {
				return executor.Target{}, task.Validationf("no nodes to %s", op.command)
			}
			if err := op.check(p); err != nil {
				return executor.Target{}, err
			}
			return target(p.Universe, p.ExpectedVersion), nil
		},
		Plan: func(ctx context.Context, t *task.Task) (*executor.Plan, error) {
			var p UpgradeParams
			if err := decode(t.Params, &p); err != nil {
				return nil, err
			}
			q := subtask.NewQueue(t.ID, deps.Logger)
			nodeAction := func(node string) *subtask.Action {
				args := append([]string{"--universe", p.Universe, "--node", node}, op.args(p)...)
				return commandAction(op.command, deps.Runner, runner.Command{
					Name:       op.command,
					Args:       args,
					ProcessKey: t.ID.String() + "/" + node,
				})
			}

			if p.Rolling {
				// one node at a time, halting on the first node that fails
				for _, node := range p.Nodes {
					g := subtask.NewGroup(op.group+":"+node, subtask.Sequential)
					_ = g.Add(nodeAction(node))
					q.Append(g)
				}
			} else {
				g := subtask.NewGroup(op.group, subtask.Parallel)
				for _, node := range p.Nodes {
					_ = g.Add(nodeAction(node))
				}
				q.Append(g)
			}
			q.Append(markSuccessGroup(deps, p.Universe))
			return &executor.Plan{Queue: q}, nil
		},
	}
}
