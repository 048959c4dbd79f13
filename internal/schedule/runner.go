// Package schedule submits tasks for active schedules on their cadence.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"commissioner/internal/lock"
	"commissioner/internal/metrics"
	"commissioner/internal/store"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Category labels the schedule counters and gauge
const Category = "schedule"

// Store is the persistence the runner needs
type Store interface {
	GetResource(ctx context.Context, id string) (*store.Resource, error)
	ListActiveSchedules(ctx context.Context) ([]*store.Schedule, error)
	StopSchedule(ctx context.Context, id uuid.UUID) error
	LinkScheduleTask(ctx context.Context, scheduleID, taskID uuid.UUID) error
	LatestScheduleTask(ctx context.Context, scheduleID uuid.UUID) (*task.Task, error)
}

// Locks reports lock state from wherever the executor keeps its locks
type Locks interface {
	Held(ctx context.Context, resourceID string, flavor lock.Flavor) (bool, error)
}

// Submitter submits tasks
type Submitter interface {
	Submit(ctx context.Context, taskType task.Type, params []byte) (uuid.UUID, error)
}

// Result is what one tick did
type Result string

const (
	ResultSubmitted Result = "submitted"
	// ResultDisabled is a clean skip: the resource is paused or backups are off
	ResultDisabled Result = "disabled"
	// ResultSkipped counts as a schedule failure
	ResultSkipped Result = "skipped"
	ResultStopped Result = "stopped"
	ResultFailed  Result = "failed"
)

// Outcome describes one tick of a schedule
type Outcome struct {
	Result Result
	TaskID uuid.UUID
	Reason string
	Err    error
}

// Runner evaluates schedules and submits their tasks
type Runner struct {
	store   Store
	locks   Locks
	submit  Submitter
	metrics metrics.Sink
	logger  *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[uuid.UUID]cron.EntryID
}

// NewRunner creates a schedule runner
func NewRunner(s Store, locks Locks, submit Submitter, sink metrics.Sink, logger *zap.Logger) *Runner {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:   s,
		locks:   locks,
		submit:  submit,
		metrics: sink,
		logger:  logger,
		entries: make(map[uuid.UUID]cron.EntryID),
	}
}

// Tick evaluates one schedule and submits its task when the resource is free
func (r *Runner) Tick(ctx context.Context, sc *store.Schedule) Outcome {
	labels := metrics.Labels{TaskType: string(sc.TaskType), Resource: sc.ResourceID}
	logger := r.logger.With(
		zap.String("schedule_id", sc.ID.String()),
		zap.String("task_type", string(sc.TaskType)),
		zap.String("resource_id", sc.ResourceID),
	)

	resource, err := r.store.GetResource(ctx, sc.ResourceID)
	if errors.Is(err, task.ErrNotFound) {
		logger.Warn("Resource is gone, stopping schedule")
		if err := r.store.StopSchedule(ctx, sc.ID); err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}
		r.Remove(sc.ID)
		return Outcome{Result: ResultStopped, Reason: "resource not found"}
	}
	if err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}

	r.metrics.IncCounter(metrics.AttemptCounter(Category), labels)

	if resource.Paused {
		logger.Debug("Resource paused, skipping")
		return Outcome{Result: ResultDisabled, Reason: "resource paused"}
	}
	if sc.TaskType == task.TypeMultiTableBackup && !resource.TakeBackups {
		logger.Debug("Backups disabled on resource, skipping")
		return Outcome{Result: ResultDisabled, Reason: "backups disabled"}
	}

	skip := func(reason string) Outcome {
		logger.Warn("Skipping scheduled task", zap.String("reason", reason))
		r.fail(labels)
		return Outcome{Result: ResultSkipped, Reason: reason}
	}
	for _, flavor := range []lock.Flavor{lock.FlavorUpdate, lock.FlavorBackup} {
		held, err := r.locks.Held(ctx, sc.ResourceID, flavor)
		if err != nil {
			r.fail(labels)
			return Outcome{Result: ResultFailed, Err: errors.Wrapf(err, "failed to check %s lock", flavor)}
		}
		if held {
			return skip(string(flavor) + " in progress")
		}
	}
	latest, err := r.store.LatestScheduleTask(ctx, sc.ID)
	if err != nil {
		r.fail(labels)
		return Outcome{Result: ResultFailed, Err: err}
	}
	if latest != nil && !latest.State.Terminal() {
		return skip(fmt.Sprintf("task %s is still %s", latest.ID, latest.State))
	}

	taskID, err := r.submit.Submit(ctx, sc.TaskType, sc.Params)
	if err != nil {
		logger.Error("Failed to submit scheduled task", zap.Error(err))
		r.fail(labels)
		out := Outcome{Result: ResultFailed, Err: err}
		if taskID != uuid.Nil {
			out.TaskID = taskID
			r.link(ctx, sc.ID, taskID, logger)
		}
		return out
	}
	r.link(ctx, sc.ID, taskID, logger)

	r.metrics.IncCounter(metrics.SuccessCounter(Category), labels)
	r.metrics.SetGauge(metrics.StatusGauge(Category), 1, labels)
	logger.Info("Scheduled task submitted", zap.String("task_id", taskID.String()))
	return Outcome{Result: ResultSubmitted, TaskID: taskID}
}

func (r *Runner) fail(labels metrics.Labels) {
	r.metrics.IncCounter(metrics.FailureCounter(Category), labels)
	r.metrics.SetGauge(metrics.StatusGauge(Category), 0, labels)
}

func (r *Runner) link(ctx context.Context, scheduleID, taskID uuid.UUID, logger *zap.Logger) {
	if err := r.store.LinkScheduleTask(ctx, scheduleID, taskID); err != nil {
		logger.Error("Failed to link scheduled task", zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

// Spec returns the cron spec of a schedule
func Spec(sc *store.Schedule) (string, error) {
	if sc.CronExpr != "" {
		return sc.CronExpr, nil
	}
	if sc.Frequency <= 0 {
		return "", task.Validationf("schedule %s has neither a cron expression nor a frequency", sc.ID)
	}
	return "@every " + sc.Frequency.String(), nil
}

// Start registers every active schedule and starts the cron loop
func (r *Runner) Start(ctx context.Context) error {
	schedules, err := r.store.ListActiveSchedules(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load schedules")
	}

	r.mu.Lock()
	if r.cron == nil {
		l := cronLogger{r.logger.Sugar()}
		r.cron = cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l)))
	}
	r.mu.Unlock()

	for _, sc := range schedules {
		if err := r.Add(ctx, sc); err != nil {
			r.logger.Error("Failed to register schedule", zap.String("schedule_id", sc.ID.String()), zap.Error(err))
		}
	}

	r.cron.Start()
	r.logger.Info("Scheduler started", zap.Int("schedules", len(schedules)))
	return nil
}

// Add registers a schedule on the running cron loop. Ticks of one schedule never overlap.
func (r *Runner) Add(ctx context.Context, sc *store.Schedule) error {
	spec, err := Spec(sc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return errors.New("scheduler not started")
	}
	if _, ok := r.entries[sc.ID]; ok {
		return nil
	}

	l := cronLogger{r.logger.Sugar()}
	job := cron.NewChain(cron.SkipIfStillRunning(l)).Then(cron.FuncJob(func() {
		r.Tick(ctx, sc)
	}))
	id, err := r.cron.AddJob(spec, job)
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q", spec)
	}
	r.entries[sc.ID] = id
	r.logger.Info("Schedule registered",
		zap.String("schedule_id", sc.ID.String()),
		zap.String("task_type", string(sc.TaskType)),
		zap.String("spec", spec),
	)
	return nil
}

// Remove unregisters a schedule
func (r *Runner) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	if r.cron != nil {
		r.cron.Remove(entry)
	}
}

// Stop stops the cron loop and waits for running ticks
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("Scheduler stopped")
}

// cronLogger routes cron's own logging to zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
