package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"commissioner/internal/lock"
	"commissioner/internal/metrics"
	"commissioner/internal/progress"
	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const cleanupTimeout = 30 * time.Second

// Store is the task persistence the executor needs
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	TransitionTask(ctx context.Context, id uuid.UUID, to task.State, errMsg string) error
	UpdateTaskProgress(ctx context.Context, id uuid.UUID, completed, total int) error
}

// Config controls the worker pool and operator waits
type Config struct {
	PoolSize    int
	QueueSize   int
	WaitRetries int
	WaitDelay   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.WaitRetries <= 0 {
		c.WaitRetries = 5
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = time.Second
	}
}

type durationObserver interface {
	ObserveDuration(taskType string, d time.Duration)
}

// execution is one submitted task between Submit and its terminal state
type execution struct {
	task    *task.Task
	reg     Registration
	handles lock.Handles
	token   *subtask.AbortToken
	running atomic.Bool
}

// Executor accepts tasks, runs them on a bounded pool and records their lifecycle
type Executor struct {
	cfg      Config
	registry *Registry
	store    Store
	locker   *lock.Locker
	metrics  metrics.Sink
	tracker  *progress.Tracker
	logger   *zap.Logger
	pool     *pool

	mu     sync.Mutex
	active map[uuid.UUID]*execution
}

// New creates an executor. Start must be called before submitted tasks run.
func New(cfg Config, registry *Registry, store Store, locker *lock.Locker, sink metrics.Sink, tracker *progress.Tracker, logger *zap.Logger) *Executor {
	cfg.applyDefaults()
	if sink == nil {
		sink = metrics.Nop{}
	}
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		locker:   locker,
		metrics:  sink,
		tracker:  tracker,
		logger:   logger,
		active:   make(map[uuid.UUID]*execution),
	}
	e.pool = newPool(cfg.PoolSize, cfg.QueueSize, e.run, e.discard, logger)
	return e
}

// Start starts the worker pool
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("Starting executor",
		zap.Int("pool_size", e.cfg.PoolSize),
		zap.Int("queue_size", e.cfg.QueueSize),
	)
	e.pool.start(ctx)
}

// Stop stops accepting tasks, lets workers finish queued ones and waits for them
func (e *Executor) Stop(ctx context.Context) error {
	return e.pool.stop(ctx)
}

// Submit validates params, records a Created task, takes its locks and queues it.
// Validation errors return before any record exists. Lock and saturation errors
// return the id of the task, which is left in Failure.
func (e *Executor) Submit(ctx context.Context, taskType task.Type, params []byte) (uuid.UUID, error) {
	return e.submit(ctx, taskType, params, uuid.NullUUID{}, uuid.NullUUID{})
}

// SubmitChild submits a task recorded as spawned by parent
func (e *Executor) SubmitChild(ctx context.Context, parent uuid.UUID, taskType task.Type, params []byte) (uuid.UUID, error) {
	return e.submit(ctx, taskType, params, uuid.NullUUID{UUID: parent, Valid: true}, uuid.NullUUID{})
}

func (e *Executor) submit(ctx context.Context, taskType task.Type, params []byte, parent, retryOf uuid.NullUUID) (uuid.UUID, error) {
	reg, ok := e.registry.Get(taskType)
	if !ok {
		return uuid.Nil, task.Validationf("unknown task type %q", taskType)
	}

	target, err := reg.Validate(params)
	if err != nil {
		if !errors.Is(err, task.ErrValidation) {
			err = errors.Wrap(task.ErrValidation, err.Error())
		}
		return uuid.Nil, err
	}

	t := &task.Task{
		ID:         uuid.New(),
		Type:       taskType,
		Params:     params,
		State:      task.StateCreated,
		ResourceID: target.ResourceID,
		ParentID:   parent,
		RetryOf:    retryOf,
		Abortable:  reg.Abortable,
		Retryable:  reg.Retryable,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to create task")
	}

	labels := metrics.Labels{TaskType: string(taskType), Resource: target.ResourceID}
	e.metrics.IncCounter(metrics.AttemptCounter(reg.Category), labels)

	logger := e.logger.With(
		zap.String("task_id", t.ID.String()),
		zap.String("task_type", string(taskType)),
		zap.String("resource_id", target.ResourceID),
	)

	handles, err := e.locker.AcquireAll(ctx, target.ResourceID, reg.Flavors, target.ExpectedVersion, t.ID.String())
	if err != nil {
		logger.Warn("Failed to lock resource", zap.Error(err))
		e.failSubmission(t, reg, err)
		return t.ID, err
	}

	ex := &execution{task: t, reg: reg, handles: handles, token: subtask.NewAbortToken()}
	e.mu.Lock()
	e.active[t.ID] = ex
	e.mu.Unlock()

	if !e.pool.trySubmit(ex) {
		e.forget(t.ID)
		handles.Release(ctx)
		err := errors.Wrapf(task.ErrExecutorSaturated, "task %s", t.ID)
		logger.Warn("Executor saturated, rejecting task")
		e.failSubmission(t, reg, err)
		return t.ID, err
	}

	logger.Info("Task submitted")
	return t.ID, nil
}

func (e *Executor) failSubmission(t *task.Task, reg Registration, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.store.TransitionTask(ctx, t.ID, task.StateFailure, cause.Error()); err != nil {
		e.logger.Error("Failed to record task failure", zap.String("task_id", t.ID.String()), zap.Error(err))
	}
	e.recordOutcome(t, reg, task.StateFailure)
}

// Abort requests cooperative cancellation. It returns true only when the task
// is running on this executor, is abortable and still has a group boundary
// ahead at which the request will be observed.
func (e *Executor) Abort(id uuid.UUID) bool {
	e.mu.Lock()
	ex, ok := e.active[id]
	e.mu.Unlock()
	if !ok || !ex.running.Load() || !ex.task.Abortable {
		return false
	}
	first := !ex.token.Requested()
	if !ex.token.Request() {
		return false
	}
	if first {
		e.logger.Info("Abort requested", zap.String("task_id", id.String()))
	}
	return true
}

// Status returns the persisted task
func (e *Executor) Status(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return e.store.GetTask(ctx, id)
}

// State returns the task state and its error message
func (e *Executor) State(ctx context.Context, id uuid.UUID) (task.State, string, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return "", "", err
	}
	return t.State, t.ErrorMessage, nil
}

// Live returns the in-memory progress of a running task
func (e *Executor) Live(id uuid.UUID) (progress.Status, bool) {
	return e.tracker.Get(id)
}

// Retry resubmits a failed or aborted retryable task with the same params
func (e *Executor) Retry(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if t.State != task.StateFailure && t.State != task.StateAborted {
		return uuid.Nil, errors.Wrapf(task.ErrInvalidTransition, "task %s is %s and cannot be retried", id, t.State)
	}
	if !t.Retryable {
		return uuid.Nil, task.Validationf("task %s of type %s is not retryable", id, t.Type)
	}
	return e.submit(ctx, t.Type, t.Params, t.ParentID, uuid.NullUUID{UUID: id, Valid: true})
}

// WaitFor polls until the task is terminal. It checks at most retries times,
// delay apart, and returns ErrWaitExceeded when the budget runs out.
// Non-positive arguments use the configured defaults.
func (e *Executor) WaitFor(ctx context.Context, id uuid.UUID, retries int, delay time.Duration) (*task.Task, error) {
	if retries <= 0 {
		retries = e.cfg.WaitRetries
	}
	if delay <= 0 {
		delay = e.cfg.WaitDelay
	}

	var last *task.Task
	for attempt := 0; attempt < retries; attempt++ {
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		last = t
		if t.State.Terminal() {
			return t, nil
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
	return last, errors.Wrapf(task.ErrWaitExceeded, "task %s still %s after %d checks", id, last.State, retries)
}

func (e *Executor) forget(id uuid.UUID) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// run executes one task on a worker
func (e *Executor) run(ctx context.Context, ex *execution) {
	t := ex.task
	logger := e.logger.With(
		zap.String("task_id", t.ID.String()),
		zap.String("task_type", string(t.Type)),
		zap.String("resource_id", t.ResourceID),
	)
	start := time.Now()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	defer func() {
		ex.handles.Release(cleanupCtx)
		e.tracker.Finish(t.ID)
		e.forget(t.ID)
	}()

	state, msg := e.execute(ctx, ex, logger)

	// Release before the terminal state becomes visible to pollers
	ex.handles.Release(cleanupCtx)
	if err := e.store.TransitionTask(cleanupCtx, t.ID, state, msg); err != nil {
		logger.Error("Failed to record final task state", zap.String("state", string(state)), zap.Error(err))
	}

	e.recordOutcome(t, ex.reg, state)
	if obs, ok := e.metrics.(durationObserver); ok {
		obs.ObserveDuration(string(t.Type), time.Since(start))
	}

	logger.Info("Task finished",
		zap.String("state", string(state)),
		zap.Duration("duration", time.Since(start)),
		zap.String("error", msg),
	)
}

// execute moves the task to Running and runs its plan. Panics become Failure.
func (e *Executor) execute(ctx context.Context, ex *execution, logger *zap.Logger) (state task.State, msg string) {
	t := ex.task
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			state, msg = task.StateFailure, fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := e.store.TransitionTask(ctx, t.ID, task.StateRunning, ""); err != nil {
		return task.StateFailure, errors.Wrap(err, "failed to start task").Error()
	}
	ex.running.Store(true)
	defer func() {
		ex.token.Seal()
		ex.running.Store(false)
	}()
	logger.Info("Task running")

	plan, err := ex.reg.Plan(ctx, t)
	if err != nil {
		return task.StateFailure, errors.Wrap(err, "failed to plan task").Error()
	}
	if plan == nil || plan.Queue == nil {
		return task.StateFailure, "planner returned no queue"
	}

	total := plan.Queue.Len()
	e.tracker.Start(t.ID, t.Type, total)
	if err := e.store.UpdateTaskProgress(ctx, t.ID, 0, total); err != nil {
		logger.Warn("Failed to record task progress", zap.Error(err))
	}
	plan.Queue.OnProgress(func(p subtask.Progress) {
		e.tracker.Update(p)
		if err := e.store.UpdateTaskProgress(ctx, t.ID, p.CompletedGroups, p.TotalGroups); err != nil {
			logger.Warn("Failed to record task progress", zap.Error(err))
		}
	})

	res := plan.Queue.Run(ctx, ex.token)
	ex.token.Seal()
	ex.running.Store(false)
	if res.Succeeded() {
		if len(res.DegradedGroups) > 0 {
			logger.Warn("Task completed with degraded groups", zap.Strings("groups", res.DegradedGroups))
		}
		return task.StateSuccess, ""
	}

	if plan.Rollback != nil {
		logger.Info("Running rollback", zap.Int("groups", plan.Rollback.Len()))
		rb := plan.Rollback.Run(context.WithoutCancel(ctx), nil)
		if rb.Err != nil {
			logger.Error("Rollback failed", zap.Error(rb.Err))
		}
	}

	if res.Aborted {
		return task.StateAborted, res.Err.Error()
	}
	return task.StateFailure, res.Err.Error()
}

// discard fails an execution that never reached a worker
func (e *Executor) discard(ex *execution) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	ex.handles.Release(ctx)
	e.forget(ex.task.ID)
	if err := e.store.TransitionTask(ctx, ex.task.ID, task.StateFailure, "executor stopped before task started"); err != nil {
		e.logger.Error("Failed to record discarded task", zap.String("task_id", ex.task.ID.String()), zap.Error(err))
	}
	e.recordOutcome(ex.task, ex.reg, task.StateFailure)
}

func (e *Executor) recordOutcome(t *task.Task, reg Registration, state task.State) {
	labels := metrics.Labels{TaskType: string(t.Type), Resource: t.ResourceID}
	if state == task.StateSuccess {
		e.metrics.IncCounter(metrics.SuccessCounter(reg.Category), labels)
		e.metrics.SetGauge(metrics.StatusGauge(reg.Category), 1, labels)
		return
	}
	e.metrics.IncCounter(metrics.FailureCounter(reg.Category), labels)
	e.metrics.SetGauge(metrics.StatusGauge(reg.Category), 0, labels)
}
