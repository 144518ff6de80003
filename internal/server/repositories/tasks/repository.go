// Package tasks implements the durable task store, the sole source of truth
// for transfer state across restarts.
package tasks

import (
	"context"

	"github.com/dmitrijs2005/driveback/internal/server/models"
)

// Repository is the contract of the task store.
//
// Implementations must survive dropped database connections: an operation
// retries through a reconnect and only surfaces an error when reconnecting
// itself fails.
type Repository interface {
	// Create inserts a new task draft and returns the assigned task id.
	Create(ctx context.Context, task *models.Task) (int64, error)

	// Get returns the task by id, or common.ErrorNotFound.
	Get(ctx context.Context, id int64) (*models.Task, error)

	// Update rewrites the whole row by task id, excluding identity fields
	// (owner, appname, component, timestamp).
	Update(ctx context.Context, task *models.Task) error

	// SoftDelete marks the row as removed from storage. The row is retained
	// for audit but excluded from quota, listing and reaper queries.
	SoftDelete(ctx context.Context, id int64) error

	// SoftDeleteBatch soft-deletes the rows in a single transaction, so the
	// files of one checkpoint leave the listings together.
	SoftDeleteBatch(ctx context.Context, ids []int64) error

	// SelectPending returns unfinished retry-eligible tasks
	// (finish_time=0 and fails<3), oldest checkpoint first, at most limit.
	SelectPending(ctx context.Context, limit int) ([]*models.Task, error)

	// SumOwnerUsage returns total bytes stored for the owner, excluding
	// soft-deleted rows.
	SumOwnerUsage(ctx context.Context, owner string) (int64, error)

	// CountOwnerAppFiles returns the number of files the owner keeps for the
	// given app, excluding soft-deleted rows.
	CountOwnerAppFiles(ctx context.Context, owner, appname string) (int64, error)

	// FindDuplicate looks up the task with the same checkpoint coordinates,
	// or common.ErrorNotFound.
	FindDuplicate(ctx context.Context, owner, appname, component string, timestamp int64) (*models.Task, error)

	// SelectFinished returns uploaded, finished tasks for the owner/app
	// ordered by checkpoint timestamp.
	SelectFinished(ctx context.Context, owner, appname string) ([]*models.Task, error)

	// SelectCheckpoint returns the finished tasks of one checkpoint
	// (owner, app, timestamp).
	SelectCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]*models.Task, error)

	// SelectExpirable returns uploaded, not yet reaped tasks whose app expiry
	// height is known and below threshold, oldest expiry first.
	SelectExpirable(ctx context.Context, heightThreshold int64, limit int) ([]*models.Task, error)
}
