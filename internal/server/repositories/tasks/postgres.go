package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/dbx"
	"github.com/dmitrijs2005/driveback/internal/server/models"
)

const taskColumns = `task_id, owner, appname, component, timestamp, filename, filesize, host,
		credential, downloaded, uploaded, local_removed, hash, start_time, finish_time,
		app_expire_height, fails, removed_from_storage, status`

// PostgresRepository implements the task store. Single-statement operations
// run over a dbx.DBTX; batch operations open their own transaction on the
// underlying *sql.DB. Every operation runs through dbx.WithRetry, so a
// dropped connection is re-dialed transparently before the error reaches the
// caller.
type PostgresRepository struct {
	db  dbx.DBTX
	sdb *sql.DB
}

// NewPostgresRepository constructs a repository bound to the given database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, sdb: db}
}

func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.TaskID, &t.Owner, &t.AppName, &t.Component, &t.Timestamp,
		&t.Filename, &t.Filesize, &t.Host, &t.Credential,
		&t.Downloaded, &t.Uploaded, &t.LocalRemoved, &t.Hash,
		&t.StartTime, &t.FinishTime, &t.AppExpireHeight, &t.Fails,
		&t.RemovedFromStorage, &t.Status)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) selectTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	var result []*models.Task
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select tasks: %w", err)
		}
		defer rows.Close()

		result = result[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			result = append(result, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Create inserts a task draft with all progress flags false and zero fails,
// returning the database-assigned monotonic task id.
func (r *PostgresRepository) Create(ctx context.Context, task *models.Task) (int64, error) {
	query := `
		INSERT INTO tasks (owner, appname, component, timestamp, filename, filesize, host,
			credential, app_expire_height, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING task_id;
	`
	var id int64
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, query,
			task.Owner, task.AppName, task.Component, task.Timestamp,
			task.Filename, task.Filesize, task.Host, task.Credential,
			task.AppExpireHeight, task.Status).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

// Get returns the task by id.
func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id=$1`

	var task *models.Task
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select task: %w", err)
	}
	return task, nil
}

// Update rewrites the mutable portion of the row. Identity fields (owner,
// appname, component, timestamp) are never touched after creation.
func (r *PostgresRepository) Update(ctx context.Context, task *models.Task) error {
	query := `
		UPDATE tasks SET
			filename=$2, filesize=$3, host=$4, credential=$5,
			downloaded=$6, uploaded=$7, local_removed=$8, hash=$9,
			start_time=$10, finish_time=$11, app_expire_height=$12,
			fails=$13, removed_from_storage=$14, status=$15
		WHERE task_id=$1;
	`
	return r.exec(ctx, query,
		task.TaskID, task.Filename, task.Filesize, task.Host, task.Credential,
		task.Downloaded, task.Uploaded, task.LocalRemoved, task.Hash,
		task.StartTime, task.FinishTime, task.AppExpireHeight,
		task.Fails, task.RemovedFromStorage, task.Status)
}

// SoftDelete sets removed_from_storage, keeping the row for audit.
func (r *PostgresRepository) SoftDelete(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE tasks SET removed_from_storage=TRUE WHERE task_id=$1`, id)
}

// SoftDeleteBatch sets removed_from_storage on all given rows inside one
// transaction: either the whole checkpoint disappears from listings or none
// of it does.
func (r *PostgresRepository) SoftDeleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return dbx.WithRetry(ctx, func(ctx context.Context) error {
		return dbx.WithTx(ctx, r.sdb, nil, func(ctx context.Context, tx dbx.DBTX) error {
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET removed_from_storage=TRUE WHERE task_id=$1`, id); err != nil {
					return fmt.Errorf("db error: %w", err)
				}
			}
			return nil
		})
	})
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected error: %w", err)
		}
		if n == 0 {
			return common.ErrorNotFound
		}
		return nil
	})
	return err
}

// SelectPending returns retry-eligible unfinished tasks in checkpoint order.
func (r *PostgresRepository) SelectPending(ctx context.Context, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE finish_time=0 AND fails<3 ORDER BY timestamp LIMIT $1`
	return r.selectTasks(ctx, query, limit)
}

// SumOwnerUsage computes the owner's stored bytes, skipping reaped rows.
func (r *PostgresRepository) SumOwnerUsage(ctx context.Context, owner string) (int64, error) {
	query := `SELECT COALESCE(SUM(filesize), 0) FROM tasks
		WHERE owner=$1 AND removed_from_storage=FALSE`
	var total int64
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, query, owner).Scan(&total)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// CountOwnerAppFiles counts the owner's files for one app, skipping reaped rows.
func (r *PostgresRepository) CountOwnerAppFiles(ctx context.Context, owner, appname string) (int64, error) {
	query := `SELECT COUNT(*) FROM tasks
		WHERE appname=$1 AND owner=$2 AND removed_from_storage=FALSE`
	var count int64
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, query, appname, owner).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return count, nil
}

// FindDuplicate returns the task sharing the checkpoint coordinates, if any.
func (r *PostgresRepository) FindDuplicate(ctx context.Context, owner, appname, component string, timestamp int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner=$1 AND timestamp=$2 AND appname=$3 AND component=$4 LIMIT 1`

	var task *models.Task
	err := dbx.WithRetry(ctx, func(ctx context.Context) error {
		t, err := scanTask(r.db.QueryRowContext(ctx, query, owner, timestamp, appname, component))
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select task: %w", err)
	}
	return task, nil
}

// SelectFinished returns uploaded checkpoints of an owner/app in timestamp order.
func (r *PostgresRepository) SelectFinished(ctx context.Context, owner, appname string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner=$1 AND appname=$2 AND finish_time<>0 AND uploaded=TRUE
			AND removed_from_storage=FALSE
		ORDER BY timestamp`
	return r.selectTasks(ctx, query, owner, appname)
}

// SelectCheckpoint returns the finished component rows of one checkpoint.
func (r *PostgresRepository) SelectCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner=$1 AND appname=$2 AND timestamp=$3 AND finish_time<>0
			AND removed_from_storage=FALSE`
	return r.selectTasks(ctx, query, owner, appname, timestamp)
}

// SelectExpirable returns uploaded rows whose app expiry height fell below
// threshold, ordered so the longest-expired apps are reconciled first.
func (r *PostgresRepository) SelectExpirable(ctx context.Context, heightThreshold int64, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE removed_from_storage=FALSE AND uploaded=TRUE
			AND app_expire_height>0 AND app_expire_height<$1
		ORDER BY app_expire_height ASC LIMIT $2`
	return r.selectTasks(ctx, query, heightThreshold, limit)
}
