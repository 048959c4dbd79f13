package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"commissioner/internal/app"
	"commissioner/internal/config"
	"commissioner/internal/logger"
	"commissioner/internal/progress"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "commissioner",
	Short: "Run backup, restore and upgrade tasks against managed universes",
	Long: `A task orchestrator that runs multi-step operations as ordered groups of actions,
with per-universe locking, abort at group boundaries and recurring schedules.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is none)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd, submitCmd, retryCmd, statusCmd, listCmd)
	rootCmd.AddCommand(resourceCmd, scheduleCmd, backupCmd)
}

// setup loads configuration and builds the logger and application
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, *app.App, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to load config")
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to initialize logger")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, nil, errors.Wrap(err, "failed to create application")
	}
	return cfg, log, a, nil
}

// signalContext cancels on SIGINT/SIGTERM. onFirst, when set, is called on the
// first signal instead of cancelling; the second signal always cancels.
func signalContext(log *zap.Logger, onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		if onFirst != nil {
			log.Info("Received shutdown signal, aborting task (repeat to exit)")
			onFirst()
			select {
			case <-sigChan:
			case <-ctx.Done():
				return
			}
		}
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()
	return ctx, cancel
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the executor and scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signalContext(log, nil)
		defer cancel()

		err = a.Run(ctx)

		// Close application resources after serving completes or is cancelled
		if closeErr := a.Close(); closeErr != nil {
			log.Error("Error closing commissioner", zap.Error(closeErr))
		}
		return err
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <task-type>",
	Short: "Submit a task and follow it until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetString("params")
		return runOneShot(cmd, func(ctx context.Context, a *app.App) (uuid.UUID, error) {
			return a.Executor().Submit(ctx, task.Type(args[0]), []byte(params))
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Resubmit a failed or aborted task and follow it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrap(err, "invalid task id")
		}
		return runOneShot(cmd, func(ctx context.Context, a *app.App) (uuid.UUID, error) {
			return a.Executor().Retry(ctx, id)
		})
	},
}

func init() {
	submitCmd.Flags().String("params", "{}", "Task params as JSON")
	for _, c := range []*cobra.Command{submitCmd, retryCmd} {
		c.Flags().Duration("interval", 2*time.Second, "Progress refresh interval")
	}
}

// runOneShot starts the executor, submits one task and follows it. The first
// interrupt aborts the task, the second one exits.
func runOneShot(cmd *cobra.Command, submit func(context.Context, *app.App) (uuid.UUID, error)) error {
	_, log, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()

	var submitted atomic.Pointer[uuid.UUID]
	ctx, cancel := signalContext(log, func() {
		id := submitted.Load()
		if id == nil || !a.Executor().Abort(*id) {
			log.Warn("Task cannot be aborted yet")
		}
	})
	defer cancel()

	if err := a.Start(ctx, false); err != nil {
		return err
	}
	id, err := submit(ctx, a)
	if err != nil {
		if id != uuid.Nil {
			return errors.Wrapf(err, "task %s", id)
		}
		return err
	}
	submitted.Store(&id)
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s\n", id)

	interval, _ := cmd.Flags().GetDuration("interval")
	display := progress.NewDisplay(func(ctx context.Context) (*task.Task, error) {
		return a.Executor().Status(ctx, id)
	}, interval, cmd.OutOrStdout())
	t, err := display.Run(ctx)
	if err != nil {
		return err
	}
	if t.State != task.StateSuccess {
		return errors.Errorf("task %s finished %s", t.ID, t.State)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrap(err, "invalid task id")
		}
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			ctx, cancel := signalContext(log, nil)
			defer cancel()
			_, err := progress.NewDisplay(func(ctx context.Context) (*task.Task, error) {
				return a.Store().GetTask(ctx, id)
			}, 2*time.Second, cmd.OutOrStdout()).Run(ctx)
			return err
		}

		t, err := a.Store().GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		printTask(cmd, t)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := a.Store().ListTasks(cmd.Context(), limit)
		if err != nil {
			return err
		}
		for _, t := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-10s %-12s %d/%d\n",
				t.ID, t.Type, t.State, t.ResourceID, t.CompletedGroups, t.TotalGroups)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("watch", false, "Follow the task until it finishes")
	listCmd.Flags().Int("limit", 20, "Number of tasks to show")
}

func printTask(cmd *cobra.Command, t *task.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:      %s\n", t.ID)
	fmt.Fprintf(out, "Type:      %s\n", t.Type)
	fmt.Fprintf(out, "Resource:  %s\n", t.ResourceID)
	fmt.Fprintf(out, "State:     %s\n", t.State)
	fmt.Fprintf(out, "Progress:  %d/%d groups (%.1f%%)\n", t.CompletedGroups, t.TotalGroups, t.Percent())
	fmt.Fprintf(out, "Created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.RetryOf.Valid {
		fmt.Fprintf(out, "Retry of:  %s\n", t.RetryOf.UUID)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", t.ErrorMessage)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
