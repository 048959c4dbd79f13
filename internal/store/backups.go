package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const backupColumns = `id, task_id, customer_id, resource_id, state, total_size, sub_sizes,
	location, storage_config, created_at, completed_at`

// CreateBackup inserts a new backup record
func (s *SQLiteStore) CreateBackup(ctx context.Context, b *Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.State == "" {
		b.State = BackupInProgress
	}
	subSizes, err := json.Marshal(b.SubSizes)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
	INSERT INTO backups (`+backupColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(),
		b.TaskID.String(),
		b.CustomerID,
		b.ResourceID,
		string(b.State),
		b.TotalSize,
		string(subSizes),
		b.Location,
		b.StorageConfig,
		toMillis(b.CreatedAt),
		nullMillis(b.CompletedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert backup %s", b.ID)
	}
	return nil
}

// GetBackup returns the backup with the given id or task.ErrNotFound
func (s *SQLiteStore) GetBackup(ctx context.Context, id uuid.UUID) (*Backup, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id.String())
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(task.ErrNotFound, "backup %s", id)
	}
	return b, err
}

// ListBackupsByTask returns the backups created by a task
func (s *SQLiteStore) ListBackupsByTask(ctx context.Context, taskID uuid.UUID) ([]*Backup, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE task_id = ? ORDER BY created_at ASC`, taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// TransitionBackup moves a backup to a new state if the transition is allowed
func (s *SQLiteStore) TransitionBackup(ctx context.Context, id uuid.UUID, to BackupState) error {
	current, err := s.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckBackupTransition(current.State, to); err != nil {
		return errors.Wrapf(err, "backup %s", id)
	}

	res, err := s.exec(ctx, `UPDATE backups SET state = ? WHERE id = ? AND state = ?`,
		string(to), id.String(), string(current.State))
	if err != nil {
		return errors.Wrapf(err, "failed to update backup %s", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(task.ErrInvalidTransition, "backup %s changed state concurrently", id)
	}
	return nil
}

// CompleteBackup records per sub-backup sizes and moves the backup to Completed
func (s *SQLiteStore) CompleteBackup(ctx context.Context, id uuid.UUID, subSizes []int64) error {
	var total int64
	for _, size := range subSizes {
		total += size
	}
	encoded, err := json.Marshal(subSizes)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
	UPDATE backups SET state = ?, total_size = ?, sub_sizes = ?, completed_at = ?
	WHERE id = ? AND state = ?`,
		string(BackupCompleted), total, string(encoded), toMillis(time.Now().UTC()),
		id.String(), string(BackupInProgress),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete backup %s", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, getErr := s.GetBackup(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errors.Wrapf(CheckBackupTransition(current.State, BackupCompleted), "backup %s", id)
	}
	return nil
}

func scanBackup(row scanner) (*Backup, error) {
	var (
		b             Backup
		state         string
		subSizes      sql.NullString
		location      sql.NullString
		storageConfig sql.NullString
		createdAt     int64
		completedAt   sql.NullInt64
	)
	err := row.Scan(
		&b.ID,
		&b.TaskID,
		&b.CustomerID,
		&b.ResourceID,
		&state,
		&b.TotalSize,
		&subSizes,
		&location,
		&storageConfig,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	b.State = BackupState(state)
	if subSizes.Valid && subSizes.String != "" && subSizes.String != "null" {
		if err := json.Unmarshal([]byte(subSizes.String), &b.SubSizes); err != nil {
			return nil, errors.Wrapf(err, "backup %s has malformed sub sizes", b.ID)
		}
	}
	b.Location = location.String
	b.StorageConfig = storageConfig.String
	b.CreatedAt = fromMillis(createdAt)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}
