package store

import (
	"context"
	"database/sql"
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const taskColumns = `id, type, params, state, resource_id, parent_id, retry_of, abortable, retryable,
	error_message, completed_groups, total_groups, created_at, completed_at`

// CreateTask inserts a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
	INSERT INTO tasks (`+taskColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(),
		string(t.Type),
		t.Params,
		string(t.State),
		t.ResourceID,
		t.ParentID,
		t.RetryOf,
		boolInt(t.Abortable),
		boolInt(t.Retryable),
		t.ErrorMessage,
		t.CompletedGroups,
		t.TotalGroups,
		toMillis(t.CreatedAt),
		nullMillis(t.CompletedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert task %s", t.ID)
	}
	return nil
}

// GetTask returns the task with the given id or task.ErrNotFound
func (s *SQLiteStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	if s.closed.Load() {
		return nil, errClosed
	}

	var result *task.Task
	err := s.retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
		var err error
		result, err = scanTask(row)
		return err
	})
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(task.ErrNotFound, "task %s", id)
	}
	return result, err
}

// ListTasks returns the most recent tasks first
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionTask moves a task to a new state. The update only applies if the
// state did not change since it was read, so concurrent transitions cannot both win.
func (s *SQLiteStore) TransitionTask(ctx context.Context, id uuid.UUID, to task.State, errMsg string) error {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := task.Transition(current.State, to); err != nil {
		return errors.Wrapf(err, "task %s", id)
	}

	var completedAt sql.NullInt64
	if to.Terminal() {
		completedAt = sql.NullInt64{Int64: toMillis(time.Now().UTC()), Valid: true}
	}

	res, err := s.exec(ctx, `
	UPDATE tasks SET state = ?, error_message = ?, completed_at = ?
	WHERE id = ? AND state = ?`,
		string(to), errMsg, completedAt, id.String(), string(current.State),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update task %s", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(task.ErrInvalidTransition, "task %s changed state concurrently", id)
	}
	return nil
}

// UpdateTaskProgress records completed and total group counts
func (s *SQLiteStore) UpdateTaskProgress(ctx context.Context, id uuid.UUID, completed, total int) error {
	_, err := s.exec(ctx, `UPDATE tasks SET completed_groups = ?, total_groups = ? WHERE id = ?`,
		completed, total, id.String())
	return err
}

// HasActiveTask reports whether a non-terminal task of taskType targets resourceID
func (s *SQLiteStore) HasActiveTask(ctx context.Context, taskType task.Type, resourceID string) (bool, error) {
	if s.closed.Load() {
		return false, errClosed
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM tasks WHERE type = ? AND resource_id = ? AND state IN (?, ?)`,
		string(taskType), resourceID, string(task.StateCreated), string(task.StateRunning),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t            task.Task
		typ, state   string
		abortable    int
		retryable    int
		errorMessage sql.NullString
		createdAt    int64
		completedAt  sql.NullInt64
	)
	err := row.Scan(
		&t.ID,
		&typ,
		&t.Params,
		&state,
		&t.ResourceID,
		&t.ParentID,
		&t.RetryOf,
		&abortable,
		&retryable,
		&errorMessage,
		&t.CompletedGroups,
		&t.TotalGroups,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.State = task.State(state)
	t.Abortable = abortable == 1
	t.Retryable = retryable == 1
	t.ErrorMessage = errorMessage.String
	t.CreatedAt = fromMillis(createdAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}
