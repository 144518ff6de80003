// Package services implements the application-facing operations: admission of
// new backup tasks, checkpoint listing, status lookup and checkpoint removal.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/repositories/tasks"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
)

// Authority answers ownership and lease questions about applications.
type Authority interface {
	VerifyOwner(ctx context.Context, owner, appname string) (bool, error)
	GetAppExpireHeight(ctx context.Context, appname string) (int64, error)
}

// Launcher admits a task into the bounded active queue and runs it. A false
// return means no free slot; the task stays in the store for the next refill.
type Launcher interface {
	Launch(ctx context.Context, task *models.Task) bool
}

// ActiveReader exposes the live status of currently running tasks.
type ActiveReader interface {
	Get(taskID int64) (*models.Task, bool)
}

// Config carries the admission policy knobs.
type Config struct {
	QuotaPerOwnerGB int64
	MaxFilesPerApp  int64
	FileGatewayURL  string
}

// BackupService is the admission controller and query surface over the task
// store.
type BackupService struct {
	repo      tasks.Repository
	drive     storage.Drive
	authority Authority
	launcher  Launcher
	active    ActiveReader
	cfg       Config
	log       logging.Logger
}

func NewBackupService(repo tasks.Repository, drive storage.Drive, authority Authority,
	launcher Launcher, active ActiveReader, cfg Config, log logging.Logger) *BackupService {
	return &BackupService{
		repo:      repo,
		drive:     drive,
		authority: authority,
		launcher:  launcher,
		active:    active,
		cfg:       cfg,
		log:       log.With("component", "backup_service"),
	}
}

// RegisterRequest is one admission attempt for a component backup file.
type RegisterRequest struct {
	Owner      string
	Credential string
	AppName    string
	Component  string
	Filename   string
	Host       string
	Timestamp  int64
	Filesize   int64
}

// RegisterResult reports the task the request mapped to.
type RegisterResult struct {
	TaskID  int64 `json:"taskId"`
	Resumed bool  `json:"-"`
}

func (s *BackupService) checkOwner(ctx context.Context, owner, appname string) error {
	if owner == "" {
		return common.ErrorUnauthorized
	}
	ok, err := s.authority.VerifyOwner(ctx, owner, appname)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrorAccessDenied
	}
	return nil
}

// Register validates the request, enforces the owner quota and per-app file
// cap, deduplicates against existing checkpoints and either creates a new
// task or resumes an unfinished one. The task starts immediately when the
// active queue has a free slot; otherwise the next refill picks it up.
func (s *BackupService) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.Owner == "" {
		return nil, common.ErrorUnauthorized
	}
	if req.AppName == "" || req.Component == "" {
		return nil, fmt.Errorf("%w: invalid app or component name", common.ErrorValidation)
	}
	if err := s.checkOwner(ctx, req.Owner, req.AppName); err != nil {
		return nil, err
	}
	if req.Timestamp < 0 {
		return nil, fmt.Errorf("%w: timestamp is not valid", common.ErrorValidation)
	}
	if req.Filesize < 0 {
		return nil, fmt.Errorf("%w: filesize is not valid", common.ErrorValidation)
	}
	if len(req.Filename) < 3 || strings.Contains(req.Filename, "/") {
		return nil, fmt.Errorf("%w: filename is not valid", common.ErrorValidation)
	}
	if !isValidURL(req.Host) {
		return nil, fmt.Errorf("%w: host url is not valid", common.ErrorValidation)
	}

	expireHeight, err := s.authority.GetAppExpireHeight(ctx, req.AppName)
	if err != nil {
		return nil, err
	}

	usage, err := s.repo.SumOwnerUsage(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if usage+req.Filesize > s.cfg.QuotaPerOwnerGB<<30 {
		return nil, common.ErrQuotaExceeded
	}

	fileCount, err := s.repo.CountOwnerAppFiles(ctx, req.Owner, req.AppName)
	if err != nil {
		return nil, err
	}
	if fileCount > s.cfg.MaxFilesPerApp {
		return nil, fmt.Errorf("%w: max %d files allowed per app", common.ErrFileCapExceeded, s.cfg.MaxFilesPerApp)
	}

	existing, err := s.repo.FindDuplicate(ctx, req.Owner, req.AppName, req.Component, req.Timestamp)
	switch {
	case err == nil && existing.Uploaded:
		return nil, common.ErrDuplicateCheckpoint
	case err == nil:
		return s.resume(ctx, existing, req.Credential)
	case errors.Is(err, common.ErrorNotFound):
		return s.create(ctx, req, expireHeight)
	default:
		return nil, err
	}
}

// resume revives an interrupted task under a fresh credential. Pickup is
// best-effort; with a full queue the refreshed row waits for the refill loop.
func (s *BackupService) resume(ctx context.Context, task *models.Task, credential string) (*RegisterResult, error) {
	task.Credential = credential
	task.RemovedFromStorage = false
	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	if s.launcher.Launch(ctx, task) {
		s.log.Info(ctx, "resumed task started", "task_id", task.TaskID)
	}
	return &RegisterResult{TaskID: task.TaskID, Resumed: true}, nil
}

func (s *BackupService) create(ctx context.Context, req RegisterRequest, expireHeight int64) (*RegisterResult, error) {
	task := &models.Task{
		Owner:           req.Owner,
		AppName:         req.AppName,
		Component:       req.Component,
		Timestamp:       req.Timestamp,
		Filename:        req.Filename,
		Filesize:        req.Filesize,
		Host:            req.Host,
		Credential:      req.Credential,
		AppExpireHeight: expireHeight,
	}
	task.SetStatus(models.StateQueued, "", 0)

	id, err := s.repo.Create(ctx, task)
	if err != nil {
		return nil, err
	}
	task.TaskID = id

	s.launcher.Launch(ctx, task)
	return &RegisterResult{TaskID: id}, nil
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ComponentFile is one stored file inside a checkpoint.
type ComponentFile struct {
	Component string `json:"component"`
	FileURL   string `json:"file_url"`
	FileSize  int64  `json:"file_size"`
}

// Checkpoint groups the files of one backup run by its timestamp.
type Checkpoint struct {
	Timestamp  int64           `json:"timestamp"`
	Components []ComponentFile `json:"components"`
}

// GetBackupList returns the owner's stored checkpoints for the app, oldest
// first, components grouped per checkpoint timestamp.
func (s *BackupService) GetBackupList(ctx context.Context, owner, appname string) ([]Checkpoint, error) {
	if owner == "" {
		return nil, common.ErrorUnauthorized
	}
	if appname == "" {
		return nil, fmt.Errorf("%w: invalid appname", common.ErrorValidation)
	}
	if err := s.checkOwner(ctx, owner, appname); err != nil {
		return nil, err
	}

	rows, err := s.repo.SelectFinished(ctx, owner, appname)
	if err != nil {
		return nil, err
	}

	// rows arrive ordered by timestamp, so grouping is a single pass
	var checkpoints []Checkpoint
	for _, row := range rows {
		file := ComponentFile{
			Component: row.Component,
			FileURL:   s.cfg.FileGatewayURL + "/" + row.Hash,
			FileSize:  row.Filesize,
		}
		if n := len(checkpoints); n > 0 && checkpoints[n-1].Timestamp == row.Timestamp {
			checkpoints[n-1].Components = append(checkpoints[n-1].Components, file)
			continue
		}
		checkpoints = append(checkpoints, Checkpoint{
			Timestamp:  row.Timestamp,
			Components: []ComponentFile{file},
		})
	}
	return checkpoints, nil
}

// TaskStatusInfo is the status lookup response.
type TaskStatusInfo struct {
	TaskID int64             `json:"taskId"`
	Status models.TaskStatus `json:"status"`
}

// GetTaskStatus returns the live status of a running task, falling back to
// the stored snapshot for tasks not currently in the active queue.
func (s *BackupService) GetTaskStatus(ctx context.Context, owner string, taskID int64) (*TaskStatusInfo, error) {
	if owner == "" {
		return nil, common.ErrorUnauthorized
	}
	if taskID == 0 {
		return nil, fmt.Errorf("%w: taskId not provided", common.ErrorValidation)
	}

	task, ok := s.active.Get(taskID)
	if !ok {
		var err error
		task, err = s.repo.Get(ctx, taskID)
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: task does not exist", common.ErrorNotFound)
		}
		if err != nil {
			return nil, err
		}
	}
	if task.Owner != owner {
		return nil, common.ErrorAccessDenied
	}
	// the active queue hands out the live task while its pipeline keeps
	// writing to it; StatusSnapshot is the only safe read
	return &TaskStatusInfo{TaskID: task.TaskID, Status: task.StatusSnapshot()}, nil
}

// RemovedFile describes one file deleted by RemoveCheckpoint.
type RemovedFile struct {
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
}

// RemoveCheckpoint deletes all stored files of one checkpoint from the drive
// and soft-deletes their rows. Rows without a hash are skipped; removing
// nothing is reported as an error.
func (s *BackupService) RemoveCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]RemovedFile, error) {
	if owner == "" {
		return nil, common.ErrorUnauthorized
	}
	if timestamp == 0 {
		return nil, fmt.Errorf("%w: timestamp not provided", common.ErrorValidation)
	}
	if appname == "" {
		return nil, fmt.Errorf("%w: appname not provided", common.ErrorValidation)
	}
	if err := s.checkOwner(ctx, owner, appname); err != nil {
		return nil, err
	}

	rows, err := s.repo.SelectCheckpoint(ctx, owner, appname, timestamp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: checkpoint does not exist", common.ErrorNotFound)
	}

	var removed []RemovedFile
	var ids []int64
	for _, row := range rows {
		if row.Hash == "" {
			continue
		}
		if err := s.drive.Delete(ctx, row.Hash); err != nil {
			// rows whose remote copy is already gone must still be
			// soft-deleted, or quota keeps counting phantom files
			if derr := s.repo.SoftDeleteBatch(ctx, ids); derr != nil {
				s.log.Error(ctx, "soft-deleting removed rows", "error", derr)
			}
			return removed, err
		}
		ids = append(ids, row.TaskID)
		removed = append(removed, RemovedFile{
			Timestamp: row.Timestamp,
			Hash:      row.Hash,
			Filename:  row.Filename,
			Filesize:  row.Filesize,
		})
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: no file removed", common.ErrorNotFound)
	}
	if err := s.repo.SoftDeleteBatch(ctx, ids); err != nil {
		return removed, err
	}
	return removed, nil
}

// Stats reports the drive's usage counters.
func (s *BackupService) Stats(ctx context.Context) (*storage.Usage, error) {
	return s.drive.Status(ctx)
}
