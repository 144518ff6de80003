// Package reaper removes stored backups whose owning application has expired
// from the registry and was not renewed.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/appauth"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/repositories/tasks"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
)

// minUsableHeight guards against a registry that answers before its chain
// sync finished; acting on a bogus low height would reap everything.
const minUsableHeight = 1000

// Authority resolves current app ownership and the chain height the expiry
// windows are measured against.
type Authority interface {
	GetBlockHeight(ctx context.Context) (int64, error)
	GetAppSpecs(ctx context.Context, appname string) (*appauth.AppSpecs, error)
}

// Reaper periodically scans for tasks whose app lease ran out past the grace
// window and either renews their expiry or removes their stored files.
type Reaper struct {
	repo        tasks.Repository
	drive       storage.Drive
	authority   Authority
	interval    time.Duration
	graceBlocks int64
	batchLimit  int
	log         logging.Logger

	cron *cron.Cron
}

func New(repo tasks.Repository, drive storage.Drive, authority Authority,
	interval time.Duration, graceBlocks int64, batchLimit int, log logging.Logger) *Reaper {
	return &Reaper{
		repo:        repo,
		drive:       drive,
		authority:   authority,
		interval:    interval,
		graceBlocks: graceBlocks,
		batchLimit:  batchLimit,
		log:         log.With("component", "reaper"),
	}
}

// Start launches the periodic scan.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, func() { r.Cycle(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info(ctx, "reaper started", "interval", r.interval, "grace_blocks", r.graceBlocks)
	return nil
}

// Stop halts the scan loop and waits for a running cycle to return.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Cycle runs one scan. Each row is handled independently; one row's failure
// never aborts the batch.
func (r *Reaper) Cycle(ctx context.Context) {
	height, err := r.authority.GetBlockHeight(ctx)
	if err != nil {
		r.log.Warn(ctx, "block height unavailable, skipping cycle", "error", err)
		return
	}
	if height <= minUsableHeight {
		r.log.Warn(ctx, "block height implausibly low, skipping cycle", "height", height)
		return
	}

	threshold := height - r.graceBlocks
	expirable, err := r.repo.SelectExpirable(ctx, threshold, r.batchLimit)
	if err != nil {
		r.log.Error(ctx, "selecting expirable tasks", "error", err)
		return
	}

	for _, task := range expirable {
		if err := r.handle(ctx, task); err != nil {
			r.log.Error(ctx, "reaping task", "task_id", task.TaskID, "app", task.AppName, "error", err)
		}
	}
}

func (r *Reaper) handle(ctx context.Context, task *models.Task) error {
	specs, err := r.authority.GetAppSpecs(ctx, task.AppName)
	if errors.Is(err, appauth.ErrAppNotFound) {
		r.log.Info(ctx, "app gone, removing stored file", "task_id", task.TaskID, "app", task.AppName)
		return r.remove(ctx, task)
	}
	if err != nil {
		return err
	}

	if specs.Owner != task.Owner {
		r.log.Info(ctx, "app changed owner, removing stored file",
			"task_id", task.TaskID, "app", task.AppName)
		return r.remove(ctx, task)
	}

	if expire := specs.ExpireHeight(); expire != task.AppExpireHeight {
		task.AppExpireHeight = expire
		r.log.Info(ctx, "app renewed, extending expiry",
			"task_id", task.TaskID, "app", task.AppName, "expire_height", expire)
		return r.repo.Update(ctx, task)
	}

	// still within the grace window with an unchanged lease; revisit next cycle
	return nil
}

func (r *Reaper) remove(ctx context.Context, task *models.Task) error {
	if task.Hash != "" {
		if err := r.drive.Delete(ctx, task.Hash); err != nil {
			return err
		}
	}
	return r.repo.SoftDelete(ctx, task.TaskID)
}
