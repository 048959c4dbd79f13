package main

import (
	"fmt"
	"time"

	"commissioner/internal/store"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage lockable resources",
}

var resourceSetCmd = &cobra.Command{
	Use:   "set <resource-id>",
	Short: "Create or update a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		ctx := cmd.Context()
		r, err := a.Store().GetResource(ctx, args[0])
		if errors.Is(err, task.ErrNotFound) {
			r = &store.Resource{ID: args[0], TakeBackups: true}
		} else if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("name") {
			r.Name, _ = flags.GetString("name")
		}
		if flags.Changed("paused") {
			r.Paused, _ = flags.GetBool("paused")
		}
		if flags.Changed("take-backups") {
			r.TakeBackups, _ = flags.GetBool("take-backups")
		}
		if err := a.Store().UpsertResource(ctx, r); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s version=%d paused=%t take_backups=%t update_in_progress=%t backup_in_progress=%t\n",
			r.ID, r.Version, r.Paused, r.TakeBackups, r.UpdateInProgress, r.BackupInProgress)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <task-type> <resource-id>",
	Short: "Add a schedule that submits a task on a cadence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		params, _ := cmd.Flags().GetString("params")
		cronExpr, _ := cmd.Flags().GetString("cron")
		every, _ := cmd.Flags().GetDuration("every")
		sc := &store.Schedule{
			TaskType:   task.Type(args[0]),
			ResourceID: args[1],
			Params:     []byte(params),
			CronExpr:   cronExpr,
			Frequency:  every,
		}
		if cronExpr == "" && every <= 0 {
			return errors.New("either --cron or --every is required")
		}
		if err := a.Store().CreateSchedule(cmd.Context(), sc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created schedule %s\n", sc.ID)
		return nil
	},
}

var scheduleStopCmd = &cobra.Command{
	Use:   "stop <schedule-id>",
	Short: "Stop a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrap(err, "invalid schedule id")
		}
		_, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()
		return a.Store().StopSchedule(cmd.Context(), id)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Operate on existing backups",
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>...",
	Short: "Delete backups and their artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return errors.Wrapf(err, "invalid backup id %s", arg)
			}
			ids = append(ids, id)
		}

		cfg, log, a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		ctx, cancel := signalContext(log, nil)
		defer cancel()
		if err := a.Start(ctx, false); err != nil {
			return err
		}

		customer, _ := cmd.Flags().GetString("customer")
		taskIDs, err := a.Backups().Delete(ctx, customer, ids)
		if err != nil {
			return err
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		retries := int(wait/cfg.Executor.WaitDelay()) + 1

		failed := 0
		for _, id := range taskIDs {
			t, err := a.Executor().WaitFor(ctx, id, retries, 0)
			if err != nil {
				log.Warn("Delete task did not finish", zap.String("task_id", id.String()), zap.Error(err))
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", t.ID, t.State, t.ErrorMessage)
			if t.State != task.StateSuccess {
				failed++
			}
		}
		if failed > 0 {
			return errors.Errorf("%d of %d deletions did not succeed", failed, len(taskIDs))
		}
		return nil
	},
}

func init() {
	resourceSetCmd.Flags().String("name", "", "Display name")
	resourceSetCmd.Flags().Bool("paused", false, "Pause scheduled tasks on the resource")
	resourceSetCmd.Flags().Bool("take-backups", true, "Allow backups of the resource")
	resourceCmd.AddCommand(resourceSetCmd)

	scheduleAddCmd.Flags().String("params", "{}", "Task params as JSON")
	scheduleAddCmd.Flags().String("cron", "", "Cron expression")
	scheduleAddCmd.Flags().Duration("every", 0, "Fixed frequency, e.g. 24h")
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleStopCmd)

	backupDeleteCmd.Flags().String("customer", "", "Only delete backups of this customer")
	backupDeleteCmd.Flags().Duration("wait", time.Minute, "How long to wait for deletions")
	backupCmd.AddCommand(backupDeleteCmd)
}
