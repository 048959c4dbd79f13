package runner

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Command is one concrete backup, restore or upgrade invocation
type Command struct {
	Name string
	Args []string
	// ProcessKey registers the running process so an operator can stop it
	ProcessKey string
}

// Response is what a command returned
type Response struct {
	ExitCode int
	Output   string
}

// ActionRunner executes commands on behalf of actions
type ActionRunner interface {
	Run(ctx context.Context, cmd Command) (Response, error)
}

// RunnerFunc adapts a function to ActionRunner
type RunnerFunc func(ctx context.Context, cmd Command) (Response, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// ShellRunner runs commands as subcommands of a single script
type ShellRunner struct {
	script    string
	timeout   time.Duration
	processes *ProcessRegistry
	logger    *zap.Logger
}

// NewShellRunner creates a runner for script. A zero timeout disables it.
func NewShellRunner(script string, timeout time.Duration, processes *ProcessRegistry, logger *zap.Logger) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellRunner{
		script:    script,
		timeout:   timeout,
		processes: processes,
		logger:    logger,
	}
}

// Run executes "<script> <name> <args...>" and returns its combined output
func (r *ShellRunner) Run(ctx context.Context, c Command) (Response, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append([]string{c.Name}, c.Args...)
	cmd := exec.CommandContext(ctx, r.script, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Response{}, errors.Wrapf(err, "failed to start %s", c.Name)
	}
	if c.ProcessKey != "" && r.processes != nil {
		r.processes.Register(c.ProcessKey, cmd.Process)
		defer r.processes.Remove(c.ProcessKey)
	}

	err := cmd.Wait()
	resp := Response{Output: out.String()}

	r.logger.Debug("Command finished",
		zap.String("command", c.Name),
		zap.Strings("args", c.Args),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
			return resp, nil
		}
		return resp, errors.Wrapf(err, "command %s", c.Name)
	}
	return resp, nil
}
