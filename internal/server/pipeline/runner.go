// Package pipeline drives a single transfer task through its state machine:
// download from the producing host, upload to the remote drive, clean the
// staging copy, finish.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/filex"
	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/repositories/tasks"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
	"github.com/dmitrijs2005/driveback/internal/server/transfer"
)

// Downloader pulls one file from a tenant host into the local destination
// path and reports how many bytes arrived.
type Downloader interface {
	Fetch(ctx context.Context, host, filename, dst string, expected int64, progress transfer.ProgressFunc) (int64, error)
}

// Runner executes transfer tasks. Each stage persists its outcome before the
// next stage starts, so a crash resumes at the last completed stage instead of
// repeating the whole transfer.
type Runner struct {
	repo       tasks.Repository
	drive      storage.Drive
	downloader Downloader
	stagingDir string
	log        logging.Logger

	now func() time.Time
}

func NewRunner(repo tasks.Repository, drive storage.Drive, downloader Downloader, stagingDir string, log logging.Logger) *Runner {
	return &Runner{
		repo:       repo,
		drive:      drive,
		downloader: downloader,
		stagingDir: stagingDir,
		log:        log.With("component", "pipeline"),
		now:        time.Now,
	}
}

// Run advances the task to completion or to its next failure. The task is
// mutated in place; callers holding it in an active queue observe live status
// updates through its StatusSnapshot.
func (r *Runner) Run(ctx context.Context, task *models.Task) error {
	log := r.log.With("task_id", task.TaskID, "app", task.AppName, "component", task.Component)

	task.StartTime = r.now().Unix()
	task.SetStatus(models.StateStarted, "transfer started", 0)
	if err := r.repo.Update(ctx, task); err != nil {
		return r.fail(ctx, task, log, err)
	}

	if err := r.download(ctx, task, log); err != nil {
		return r.fail(ctx, task, log, err)
	}
	if err := r.upload(ctx, task, log); err != nil {
		return r.fail(ctx, task, log, err)
	}
	if err := r.cleanup(ctx, task, log); err != nil {
		return r.fail(ctx, task, log, err)
	}

	task.FinishTime = r.now().Unix()
	task.Credential = ""
	task.SetStatus(models.StateFinished, "finished", 100)
	if err := r.repo.Update(ctx, task); err != nil {
		return r.fail(ctx, task, log, err)
	}

	log.Info(ctx, "transfer finished", "filename", task.Filename, "hash", task.Hash)
	return nil
}

// download fetches the file from the host unless a prior run already holds an
// intact local copy. A copy evicted during cleanup (LocalRemoved) forces a
// re-download even when Downloaded is still set.
func (r *Runner) download(ctx context.Context, task *models.Task, log logging.Logger) error {
	if task.Downloaded && !task.LocalRemoved {
		return nil
	}

	task.SetStatus(models.StateDownloading, "fetching file from host", 0)
	if err := r.repo.Update(ctx, task); err != nil {
		return err
	}

	log.Info(ctx, "downloading", "host", task.Host, "filename", task.Filename)
	received, err := r.downloader.Fetch(ctx, task.Host, task.Filename, r.stagingPath(task), task.Filesize,
		func(pct float64) { task.SetProgress(pct) })
	if err != nil {
		return err
	}
	if received != task.Filesize {
		return fmt.Errorf("%w: got %d bytes, expected %d", common.ErrIntegrity, received, task.Filesize)
	}

	task.Downloaded = true
	task.LocalRemoved = false
	return r.repo.Update(ctx, task)
}

func (r *Runner) upload(ctx context.Context, task *models.Task, log logging.Logger) error {
	if task.Uploaded {
		return nil
	}

	task.SetStatus(models.StateUploading, "uploading file to drive", 0)
	if err := r.repo.Update(ctx, task); err != nil {
		return err
	}

	log.Info(ctx, "uploading", "filename", task.Filename)
	hash, err := r.drive.Put(ctx, r.stagingPath(task),
		func(pct float64) { task.SetProgress(pct) })
	if err != nil {
		return err
	}

	task.Uploaded = true
	task.Hash = hash
	return r.repo.Update(ctx, task)
}

func (r *Runner) cleanup(ctx context.Context, task *models.Task, log logging.Logger) error {
	path := r.stagingPath(task)
	if task.LocalRemoved && !filex.Exists(path) {
		return nil
	}

	task.SetStatus(models.StateCleaning, "removing local copy", 100)
	if err := r.repo.Update(ctx, task); err != nil {
		return err
	}

	if err := filex.Delete(path); err != nil {
		return err
	}
	task.LocalRemoved = true
	return r.repo.Update(ctx, task)
}

// fail records the failure on the row and bumps the fail counter, which gates
// the task out of the pending queue after three strikes.
func (r *Runner) fail(ctx context.Context, task *models.Task, log logging.Logger, cause error) error {
	log.Error(ctx, "transfer failed", "filename", task.Filename, "error", cause)

	task.Fails++
	task.SetStatus(models.StateFailed, cause.Error(), task.StatusSnapshot().Progress)
	if err := r.repo.Update(ctx, task); err != nil {
		log.Error(ctx, "persisting failure state", "error", err)
	}
	return cause
}

// stagingPath prefixes the filename with the task id, so two tenants backing
// up a same-named component file never share a staging copy.
func (r *Runner) stagingPath(task *models.Task) string {
	return filepath.Join(r.stagingDir, fmt.Sprintf("%d_%s", task.TaskID, task.Filename))
}
