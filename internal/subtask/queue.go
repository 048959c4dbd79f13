package subtask

import (
	"context"
	"sync"
	"sync/atomic"

	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Progress is a snapshot of queue completion
type Progress struct {
	TaskID           uuid.UUID
	Group            string
	CompletedGroups  int
	TotalGroups      int
	CompletedActions int
	TotalActions     int
}

// ProgressFunc receives progress updates. It may be called from several goroutines.
type ProgressFunc func(Progress)

// QueueResult is the outcome of a queue run
type QueueResult struct {
	CompletedGroups int
	TotalGroups     int
	// FailedGroup is the name of the group that halted the queue, FailedIndex its position (-1 if none)
	FailedGroup    string
	FailedIndex    int
	DegradedGroups []string
	Aborted        bool
	Err            error
}

// Succeeded reports whether every group completed
func (r QueueResult) Succeeded() bool {
	return r.Err == nil
}

// Queue is the ordered plan of groups for one task
type Queue struct {
	taskID     uuid.UUID
	logger     *zap.Logger
	mu         sync.Mutex
	groups     []*Group
	onProgress ProgressFunc
}

// NewQueue creates an empty queue owned by taskID
func NewQueue(taskID uuid.UUID, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		taskID: taskID,
		logger: logger.With(zap.String("task_id", taskID.String())),
	}
}

// Append adds groups to the end of the queue
func (q *Queue) Append(groups ...*Group) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups = append(q.groups, groups...)
}

// OnProgress registers the progress callback
func (q *Queue) OnProgress(fn ProgressFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onProgress = fn
}

// Groups returns the groups in append order
func (q *Queue) Groups() []*Group {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Group, len(q.groups))
	copy(out, q.groups)
	return out
}

// Len returns the number of groups
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups)
}

// Run executes groups in append order until one fails non-ignorably,
// the token is set, or ctx is done. Both are observed only between groups.
func (q *Queue) Run(ctx context.Context, token *AbortToken) QueueResult {
	groups := q.Groups()
	q.mu.Lock()
	onProgress := q.onProgress
	q.mu.Unlock()

	totalActions := 0
	for _, g := range groups {
		totalActions += g.Len()
	}

	result := QueueResult{TotalGroups: len(groups), FailedIndex: -1}
	var completedActions int64

	report := func(name string) {
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			TaskID:           q.taskID,
			Group:            name,
			CompletedGroups:  result.CompletedGroups,
			TotalGroups:      result.TotalGroups,
			CompletedActions: int(atomic.LoadInt64(&completedActions)),
			TotalActions:     totalActions,
		})
	}

	for i, g := range groups {
		// The boundary before the last group is the last one that can observe an abort
		last := i == len(groups)-1
		if (last && !token.Seal()) || (!last && token.Requested()) {
			q.logger.Info("Abort observed, halting queue",
				zap.String("next_group", g.Name),
				zap.Int("completed_groups", result.CompletedGroups),
			)
			result.Aborted = true
			result.Err = errors.Wrapf(task.ErrAbortRequested, "before group %s", g.Name)
			return result
		}
		if err := ctx.Err(); err != nil {
			result.Err = errors.Wrapf(err, "before group %s", g.Name)
			return result
		}

		q.logger.Debug("Running subtask group",
			zap.String("group", g.Name),
			zap.Int("index", i),
			zap.Stringer("mode", g.Mode),
			zap.Int("actions", g.Len()),
		)

		res := g.run(ctx, func() {
			atomic.AddInt64(&completedActions, 1)
		})
		if res.Err != nil {
			q.logger.Error("Subtask group failed",
				zap.String("group", g.Name),
				zap.Int("index", i),
				zap.Error(res.Err),
			)
			result.FailedGroup = g.Name
			result.FailedIndex = i
			result.Err = errors.Wrapf(res.Err, "group %s", g.Name)
			return result
		}
		if res.Degraded {
			q.logger.Warn("Subtask group completed with ignored failures", zap.String("group", g.Name))
			result.DegradedGroups = append(result.DegradedGroups, g.Name)
		}

		result.CompletedGroups++
		report(g.Name)
	}

	if len(groups) == 0 {
		token.Seal()
	}
	return result
}
