package store

import (
	"context"
	"database/sql"
	"time"

	"commissioner/internal/lock"
	"commissioner/internal/task"

	"github.com/pkg/errors"
)

// UpsertResource creates or updates a resource. Lock flags are left untouched.
func (s *SQLiteStore) UpsertResource(ctx context.Context, r *Resource) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.exec(ctx, `
	INSERT INTO resources (id, name, version, paused, take_backups, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		version = excluded.version,
		paused = excluded.paused,
		take_backups = excluded.take_backups,
		updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Version, boolInt(r.Paused), boolInt(r.TakeBackups), toMillis(r.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert resource %s", r.ID)
	}
	return nil
}

// GetResource returns the resource with the given id or task.ErrNotFound
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	var (
		r                      Resource
		paused, takeBackups    int
		updateFlag, backupFlag int
		updatedAt              int64
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, name, version, paused, take_backups, update_in_progress, update_held_by,
		backup_in_progress, backup_held_by, updated_at
	FROM resources WHERE id = ?`, id).Scan(
		&r.ID, &r.Name, &r.Version, &paused, &takeBackups,
		&updateFlag, &r.UpdateHeldBy, &backupFlag, &r.BackupHeldBy, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(task.ErrNotFound, "resource %s", id)
	}
	if err != nil {
		return nil, err
	}
	r.Paused = paused == 1
	r.TakeBackups = takeBackups == 1
	r.UpdateInProgress = updateFlag == 1
	r.BackupInProgress = backupFlag == 1
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// IncrementVersion bumps the version after a successful update
func (s *SQLiteStore) IncrementVersion(ctx context.Context, id string) (int64, error) {
	res, err := s.exec(ctx, `UPDATE resources SET version = version + 1, updated_at = ? WHERE id = ?`,
		toMillis(time.Now().UTC()), id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, errors.Wrapf(task.ErrNotFound, "resource %s", id)
	}
	r, err := s.GetResource(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.Version, nil
}

// Version implements lock.Provider
func (s *SQLiteStore) Version(ctx context.Context, resourceID string) (int64, error) {
	r, err := s.GetResource(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	return r.Version, nil
}

func lockColumns(flavor lock.Flavor) (flag, holder string, err error) {
	switch flavor {
	case lock.FlavorUpdate:
		return "update_in_progress", "update_held_by", nil
	case lock.FlavorBackup:
		return "backup_in_progress", "backup_held_by", nil
	}
	return "", "", errors.Errorf("unknown lock flavor %q", flavor)
}

// TryLock implements lock.Provider with a single conditional update
func (s *SQLiteStore) TryLock(ctx context.Context, resourceID string, flavor lock.Flavor, holder string) error {
	flag, heldBy, err := lockColumns(flavor)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE resources SET `+flag+` = 1, `+heldBy+` = ?, updated_at = ? WHERE id = ? AND `+flag+` = 0`,
		holder, toMillis(time.Now().UTC()), resourceID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetResource(ctx, resourceID); err != nil {
		return err
	}
	return task.ErrResourceBusy
}

// Unlock implements lock.Provider. Only the recorded holder can clear the flag.
func (s *SQLiteStore) Unlock(ctx context.Context, resourceID string, flavor lock.Flavor, holder string) error {
	flag, heldBy, err := lockColumns(flavor)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`UPDATE resources SET `+flag+` = 0, `+heldBy+` = '', updated_at = ? WHERE id = ? AND `+heldBy+` = ?`,
		toMillis(time.Now().UTC()), resourceID, holder,
	)
	return err
}

// Held implements lock.Provider
func (s *SQLiteStore) Held(ctx context.Context, resourceID string, flavor lock.Flavor) (bool, error) {
	r, err := s.GetResource(ctx, resourceID)
	if err != nil {
		return false, err
	}
	switch flavor {
	case lock.FlavorUpdate:
		return r.UpdateInProgress, nil
	case lock.FlavorBackup:
		return r.BackupInProgress, nil
	}
	return false, errors.Errorf("unknown lock flavor %q", flavor)
}
