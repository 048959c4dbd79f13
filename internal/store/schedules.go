package store

import (
	"context"
	"database/sql"
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const scheduleColumns = `id, task_type, resource_id, params, cron_expr, frequency_ms, status, created_at`

// CreateSchedule inserts a new schedule
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}
	_, err := s.exec(ctx, `
	INSERT INTO schedules (`+scheduleColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID.String(),
		string(sc.TaskType),
		sc.ResourceID,
		sc.Params,
		sc.CronExpr,
		sc.Frequency.Milliseconds(),
		string(sc.Status),
		toMillis(sc.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert schedule %s", sc.ID)
	}
	return nil
}

// GetSchedule returns the schedule with the given id or task.ErrNotFound
func (s *SQLiteStore) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id.String())
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(task.ErrNotFound, "schedule %s", id)
	}
	return sc, err
}

// ListActiveSchedules returns every schedule in the Active state
func (s *SQLiteStore) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY created_at ASC`,
		string(ScheduleActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// StopSchedule marks a schedule Stopped
func (s *SQLiteStore) StopSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE schedules SET status = ? WHERE id = ?`, string(ScheduleStopped), id.String())
	return err
}

// LinkScheduleTask records that a schedule submitted a task
func (s *SQLiteStore) LinkScheduleTask(ctx context.Context, scheduleID, taskID uuid.UUID) error {
	_, err := s.exec(ctx, `INSERT INTO schedule_tasks (schedule_id, task_id, created_at) VALUES (?, ?, ?)`,
		scheduleID.String(), taskID.String(), time.Now().UTC().UnixNano())
	return err
}

// LatestScheduleTask returns the most recently linked task of a schedule, or nil if there is none
func (s *SQLiteStore) LatestScheduleTask(ctx context.Context, scheduleID uuid.UUID) (*task.Task, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	var taskID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
	SELECT task_id FROM schedule_tasks WHERE schedule_id = ?
	ORDER BY created_at DESC LIMIT 1`, scheduleID.String()).Scan(&taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func scanSchedule(row scanner) (*Schedule, error) {
	var (
		sc          Schedule
		taskType    string
		cronExpr    sql.NullString
		frequencyMs int64
		status      string
		createdAt   int64
	)
	err := row.Scan(&sc.ID, &taskType, &sc.ResourceID, &sc.Params, &cronExpr, &frequencyMs, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	sc.TaskType = task.Type(taskType)
	sc.CronExpr = cronExpr.String
	sc.Frequency = time.Duration(frequencyMs) * time.Millisecond
	sc.Status = ScheduleStatus(status)
	sc.CreatedAt = fromMillis(createdAt)
	return &sc, nil
}
