// Package server initializes and runs the backup relay daemon: it wires the
// task store, the remote drive, the transfer pipeline, the scheduler and the
// reaper together and serves the HTTP API until shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/driveback/internal/filex"
	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/appauth"
	"github.com/dmitrijs2005/driveback/internal/server/config"
	"github.com/dmitrijs2005/driveback/internal/server/httpapi"
	"github.com/dmitrijs2005/driveback/internal/server/pipeline"
	"github.com/dmitrijs2005/driveback/internal/server/reaper"
	"github.com/dmitrijs2005/driveback/internal/server/scheduler"
	"github.com/dmitrijs2005/driveback/internal/server/secrets"
	"github.com/dmitrijs2005/driveback/internal/server/services"
	"github.com/dmitrijs2005/driveback/internal/server/shared/db"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
	"github.com/dmitrijs2005/driveback/internal/server/transfer"
)

type App struct {
	config *config.Config
	logger logging.Logger

	repoManager db.RepositoryManager
	api         *httpapi.API
	scheduler   *scheduler.Scheduler
	reaper      *reaper.Reaper
}

func NewApp(c *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	rm, err := db.NewPostgresRepositoryManager(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	stagingDir, err := filex.EnsureDir(c.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("staging dir init error: %w", err)
	}

	drive, err := newDrive(c)
	if err != nil {
		return nil, fmt.Errorf("drive init error: %w", err)
	}

	authority := appauth.NewClient(c.AuthorityBaseURL)
	downloader := transfer.NewDownloader(c.HostAPIPath)
	runner := pipeline.NewRunner(rm.Tasks(), drive, downloader, stagingDir, logger)

	queue := scheduler.NewActiveQueue(c.MaxConcurrentTasks)
	sched := scheduler.New(queue, rm.Tasks(), runner, c.RefillInterval, c.StaleTaskThreshold, logger)
	reap := reaper.New(rm.Tasks(), drive, authority, c.ReaperInterval, c.ExpiryGraceBlocks, c.ReaperBatchLimit, logger)

	backups := services.NewBackupService(rm.Tasks(), drive, authority, sched, queue, services.Config{
		QuotaPerOwnerGB: c.QuotaPerOwnerGB,
		MaxFilesPerApp:  c.MaxFilesPerApp,
		FileGatewayURL:  c.FileGatewayURL,
	}, logger)

	api := httpapi.New(backups, authority, drive, []byte(c.SecretKey), c.SessionValidityDuration, logger)

	return &App{
		config:      c,
		logger:      logger,
		repoManager: rm,
		api:         api,
		scheduler:   sched,
		reaper:      reap,
	}, nil
}

func newDrive(c *config.Config) (storage.Drive, error) {
	switch c.StorageDriver {
	case config.StorageDriverS3:
		return storage.NewS3Drive(context.Background(), storage.S3Config{
			RootUser:     c.S3RootUser,
			RootPassword: c.S3RootPassword,
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
		})
	case config.StorageDriverFluxDrive:
		provider := secrets.NewHCPProvider(secrets.HCPConfig{
			EndpointURL:  c.HCPEndpointURL,
			ClientID:     c.HCPClientID,
			ClientSecret: c.HCPClientSecret,
			OrgID:        c.HCPOrgID,
			ProjectID:    c.HCPProjectID,
			AppID:        c.HCPAppID,
		})
		return storage.NewFluxDrive(provider), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: app.api.Router(),
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			app.logger.Error(ctx, "http shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "http server listening", "addr", app.config.EndpointAddrHTTP)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.scheduler.Start(ctx); err != nil {
		app.logger.Error(ctx, "scheduler start error", "error", err)
		cancelFunc()
	}
	if err := app.reaper.Start(ctx); err != nil {
		app.logger.Error(ctx, "reaper start error", "error", err)
		cancelFunc()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.scheduler.Stop()
	app.reaper.Stop()
	if err := app.repoManager.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
