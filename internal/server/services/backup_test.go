package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
	"github.com/stretchr/testify/require"
)

func nopLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeRepo struct {
	usage      int64
	usageErr   error
	fileCount  int64
	duplicate  *models.Task
	tasks      map[int64]*models.Task
	finished   []*models.Task
	checkpoint []*models.Task

	created     *models.Task
	nextID      int64
	updated     []*models.Task
	softDeleted []int64
	batches     int
}

func (r *fakeRepo) Create(ctx context.Context, task *models.Task) (int64, error) {
	r.created = task
	return r.nextID, nil
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (*models.Task, error) {
	if t, ok := r.tasks[id]; ok {
		return t, nil
	}
	return nil, common.ErrorNotFound
}

func (r *fakeRepo) Update(ctx context.Context, task *models.Task) error {
	r.updated = append(r.updated, task)
	return nil
}

func (r *fakeRepo) SoftDelete(ctx context.Context, id int64) error {
	r.softDeleted = append(r.softDeleted, id)
	return nil
}

func (r *fakeRepo) SoftDeleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) > 0 {
		r.batches++
	}
	r.softDeleted = append(r.softDeleted, ids...)
	return nil
}

func (r *fakeRepo) SelectPending(ctx context.Context, limit int) ([]*models.Task, error) {
	return nil, nil
}

func (r *fakeRepo) SumOwnerUsage(ctx context.Context, owner string) (int64, error) {
	return r.usage, r.usageErr
}

func (r *fakeRepo) CountOwnerAppFiles(ctx context.Context, owner, appname string) (int64, error) {
	return r.fileCount, nil
}

func (r *fakeRepo) FindDuplicate(ctx context.Context, owner, appname, component string, timestamp int64) (*models.Task, error) {
	if r.duplicate == nil {
		return nil, common.ErrorNotFound
	}
	return r.duplicate, nil
}

func (r *fakeRepo) SelectFinished(ctx context.Context, owner, appname string) ([]*models.Task, error) {
	return r.finished, nil
}

func (r *fakeRepo) SelectCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]*models.Task, error) {
	return r.checkpoint, nil
}

func (r *fakeRepo) SelectExpirable(ctx context.Context, heightThreshold int64, limit int) ([]*models.Task, error) {
	return nil, nil
}

type fakeAuthority struct {
	owners       map[string]string
	expireHeight int64
	expireErr    error
}

func (a *fakeAuthority) VerifyOwner(ctx context.Context, owner, appname string) (bool, error) {
	return a.owners[appname] == owner, nil
}

func (a *fakeAuthority) GetAppExpireHeight(ctx context.Context, appname string) (int64, error) {
	return a.expireHeight, a.expireErr
}

type fakeLauncher struct {
	launched []*models.Task
	full     bool
}

func (l *fakeLauncher) Launch(ctx context.Context, task *models.Task) bool {
	if l.full {
		return false
	}
	l.launched = append(l.launched, task)
	return true
}

type fakeActive struct {
	tasks map[int64]*models.Task
}

func (a *fakeActive) Get(taskID int64) (*models.Task, bool) {
	t, ok := a.tasks[taskID]
	return t, ok
}

type fakeDrive struct {
	deletes   []string
	deleteErr error
	failAt    int // 1-based call number that fails; 0 fails every call
	calls     int
	usage     *storage.Usage
}

func (d *fakeDrive) Put(ctx context.Context, path string, progress storage.ProgressFunc) (string, error) {
	return "", nil
}
func (d *fakeDrive) Delete(ctx context.Context, hash string) error {
	d.calls++
	if d.deleteErr != nil && (d.failAt == 0 || d.calls == d.failAt) {
		return d.deleteErr
	}
	d.deletes = append(d.deletes, hash)
	return nil
}
func (d *fakeDrive) Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	return nil, "", errors.New("not implemented")
}
func (d *fakeDrive) Status(ctx context.Context) (*storage.Usage, error) {
	return d.usage, nil
}

func defaultConfig() Config {
	return Config{QuotaPerOwnerGB: 10, MaxFilesPerApp: 25, FileGatewayURL: "https://gw.example.com/ipfs"}
}

func newService(repo *fakeRepo, drive *fakeDrive, authority *fakeAuthority,
	launcher *fakeLauncher, active *fakeActive) *BackupService {
	if authority == nil {
		authority = &fakeAuthority{owners: map[string]string{"myapp": "zel1"}, expireHeight: 1_012_000}
	}
	if launcher == nil {
		launcher = &fakeLauncher{}
	}
	if active == nil {
		active = &fakeActive{}
	}
	if drive == nil {
		drive = &fakeDrive{}
	}
	return NewBackupService(repo, drive, authority, launcher, active, defaultConfig(), nopLogger())
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Owner:      "zel1",
		Credential: "zelidauth-blob",
		AppName:    "myapp",
		Component:  "db",
		Filename:   "db_1700000000.tar",
		Host:       "http://host1.example.com:16127",
		Timestamp:  1700000000,
		Filesize:   1024,
	}
}

func TestRegister_CreatesAndLaunches(t *testing.T) {
	repo := &fakeRepo{nextID: 7}
	launcher := &fakeLauncher{}
	s := newService(repo, nil, nil, launcher, nil)

	res, err := s.Register(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, int64(7), res.TaskID)
	require.False(t, res.Resumed)

	require.NotNil(t, repo.created)
	require.Equal(t, "zel1", repo.created.Owner)
	require.Equal(t, "zelidauth-blob", repo.created.Credential)
	require.Equal(t, int64(1_012_000), repo.created.AppExpireHeight)
	require.Equal(t, models.StateQueued, repo.created.Status.State)

	require.Len(t, launcher.launched, 1)
	require.Equal(t, int64(7), launcher.launched[0].TaskID)
}

func TestRegister_ValidationOrder(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RegisterRequest)
		wantErr error
	}{
		{"missing owner", func(r *RegisterRequest) { r.Owner = "" }, common.ErrorUnauthorized},
		{"missing appname", func(r *RegisterRequest) { r.AppName = "" }, common.ErrorValidation},
		{"missing component", func(r *RegisterRequest) { r.Component = "" }, common.ErrorValidation},
		{"foreign app", func(r *RegisterRequest) { r.Owner = "zel2" }, common.ErrorAccessDenied},
		{"negative timestamp", func(r *RegisterRequest) { r.Timestamp = -1 }, common.ErrorValidation},
		{"short filename", func(r *RegisterRequest) { r.Filename = "ab" }, common.ErrorValidation},
		{"path in filename", func(r *RegisterRequest) { r.Filename = "../etc/passwd" }, common.ErrorValidation},
		{"negative filesize", func(r *RegisterRequest) { r.Filesize = -5 }, common.ErrorValidation},
		{"bad host url", func(r *RegisterRequest) { r.Host = "not a url" }, common.ErrorValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{nextID: 1}
			s := newService(repo, nil, nil, nil, nil)
			req := validRequest()
			tt.mutate(&req)

			_, err := s.Register(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, repo.created)
		})
	}
}

func TestRegister_UpstreamDownBlocksAdmission(t *testing.T) {
	repo := &fakeRepo{nextID: 1}
	authority := &fakeAuthority{
		owners:    map[string]string{"myapp": "zel1"},
		expireErr: common.ErrUpstreamUnavailable,
	}
	s := newService(repo, nil, authority, nil, nil)

	_, err := s.Register(context.Background(), validRequest())
	require.ErrorIs(t, err, common.ErrUpstreamUnavailable)
	require.Nil(t, repo.created)
}

func TestRegister_QuotaIncludesIncomingFile(t *testing.T) {
	repo := &fakeRepo{usage: 10<<30 - 512, nextID: 1}
	s := newService(repo, nil, nil, nil, nil)

	req := validRequest()
	req.Filesize = 1024

	_, err := s.Register(context.Background(), req)
	require.ErrorIs(t, err, common.ErrQuotaExceeded)
	require.Nil(t, repo.created)
}

func TestRegister_FileCap(t *testing.T) {
	repo := &fakeRepo{fileCount: 26, nextID: 1}
	s := newService(repo, nil, nil, nil, nil)

	_, err := s.Register(context.Background(), validRequest())
	require.ErrorIs(t, err, common.ErrFileCapExceeded)
}

func TestRegister_DuplicateUploaded(t *testing.T) {
	repo := &fakeRepo{duplicate: &models.Task{TaskID: 3, Uploaded: true}}
	s := newService(repo, nil, nil, nil, nil)

	_, err := s.Register(context.Background(), validRequest())
	require.ErrorIs(t, err, common.ErrDuplicateCheckpoint)
}

func TestRegister_ResumesUnfinishedDuplicate(t *testing.T) {
	dup := &models.Task{TaskID: 3, Owner: "zel1", Downloaded: true, RemovedFromStorage: true, Credential: "old"}
	repo := &fakeRepo{duplicate: dup}
	launcher := &fakeLauncher{}
	s := newService(repo, nil, nil, launcher, nil)

	res, err := s.Register(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, int64(3), res.TaskID)
	require.True(t, res.Resumed)

	require.Equal(t, "zelidauth-blob", dup.Credential)
	require.False(t, dup.RemovedFromStorage)
	require.True(t, dup.Downloaded)
	require.Len(t, repo.updated, 1)
	require.Len(t, launcher.launched, 1)
}

func TestRegister_ResumeWithFullQueueStillPersists(t *testing.T) {
	dup := &models.Task{TaskID: 3, Owner: "zel1", Credential: "old"}
	repo := &fakeRepo{duplicate: dup}
	launcher := &fakeLauncher{full: true}
	s := newService(repo, nil, nil, launcher, nil)

	res, err := s.Register(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, int64(3), res.TaskID)
	require.Len(t, repo.updated, 1)
	require.Empty(t, launcher.launched)
}

func TestGetBackupList_GroupsByTimestamp(t *testing.T) {
	repo := &fakeRepo{finished: []*models.Task{
		{Timestamp: 100, Component: "db", Hash: "QmA", Filesize: 10},
		{Timestamp: 100, Component: "web", Hash: "QmB", Filesize: 20},
		{Timestamp: 200, Component: "db", Hash: "QmC", Filesize: 30},
	}}
	s := newService(repo, nil, nil, nil, nil)

	checkpoints, err := s.GetBackupList(context.Background(), "zel1", "myapp")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)

	require.Equal(t, int64(100), checkpoints[0].Timestamp)
	require.Len(t, checkpoints[0].Components, 2)
	require.Equal(t, "https://gw.example.com/ipfs/QmA", checkpoints[0].Components[0].FileURL)

	require.Equal(t, int64(200), checkpoints[1].Timestamp)
	require.Len(t, checkpoints[1].Components, 1)
}

func TestGetBackupList_DeniesForeignApp(t *testing.T) {
	s := newService(&fakeRepo{}, nil, nil, nil, nil)

	_, err := s.GetBackupList(context.Background(), "zel2", "myapp")
	require.ErrorIs(t, err, common.ErrorAccessDenied)
}

func TestGetTaskStatus_PrefersActiveQueue(t *testing.T) {
	live := &models.Task{TaskID: 5, Owner: "zel1"}
	live.SetStatus(models.StateDownloading, "fetching file from host", 42)

	stale := &models.Task{TaskID: 5, Owner: "zel1"}
	stale.SetStatus(models.StateQueued, "", 0)

	repo := &fakeRepo{tasks: map[int64]*models.Task{5: stale}}
	active := &fakeActive{tasks: map[int64]*models.Task{5: live}}
	s := newService(repo, nil, nil, nil, active)

	info, err := s.GetTaskStatus(context.Background(), "zel1", 5)
	require.NoError(t, err)
	require.Equal(t, models.StateDownloading, info.Status.State)
	require.Equal(t, float64(42), info.Status.Progress)
}

func TestGetTaskStatus_FallsBackToStore(t *testing.T) {
	stored := &models.Task{TaskID: 6, Owner: "zel1"}
	stored.SetStatus(models.StateFinished, "", 100)

	repo := &fakeRepo{tasks: map[int64]*models.Task{6: stored}}
	s := newService(repo, nil, nil, nil, &fakeActive{})

	info, err := s.GetTaskStatus(context.Background(), "zel1", 6)
	require.NoError(t, err)
	require.Equal(t, models.StateFinished, info.Status.State)
}

func TestGetTaskStatus_UnknownTask(t *testing.T) {
	s := newService(&fakeRepo{}, nil, nil, nil, &fakeActive{})

	_, err := s.GetTaskStatus(context.Background(), "zel1", 99)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetTaskStatus_ForeignTaskDenied(t *testing.T) {
	stored := &models.Task{TaskID: 6, Owner: "zel2"}
	repo := &fakeRepo{tasks: map[int64]*models.Task{6: stored}}
	s := newService(repo, nil, nil, nil, &fakeActive{})

	_, err := s.GetTaskStatus(context.Background(), "zel1", 6)
	require.ErrorIs(t, err, common.ErrorAccessDenied)
}

func TestRemoveCheckpoint_DeletesStoredFiles(t *testing.T) {
	repo := &fakeRepo{checkpoint: []*models.Task{
		{TaskID: 1, Timestamp: 100, Hash: "QmA", Filename: "db.tar", Filesize: 10},
		{TaskID: 2, Timestamp: 100, Hash: "", Filename: "web.tar", Filesize: 20},
		{TaskID: 3, Timestamp: 100, Hash: "QmC", Filename: "cache.tar", Filesize: 30},
	}}
	drive := &fakeDrive{}
	s := newService(repo, drive, nil, nil, nil)

	removed, err := s.RemoveCheckpoint(context.Background(), "zel1", "myapp", 100)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Equal(t, []string{"QmA", "QmC"}, drive.deletes)
	require.Equal(t, []int64{1, 3}, repo.softDeleted)
	require.Equal(t, 1, repo.batches, "checkpoint rows soft-delete in one transaction")
}

func TestRemoveCheckpoint_DriveErrorStillSoftDeletesRemovedRows(t *testing.T) {
	repo := &fakeRepo{checkpoint: []*models.Task{
		{TaskID: 1, Timestamp: 100, Hash: "QmA", Filename: "db.tar", Filesize: 10},
		{TaskID: 3, Timestamp: 100, Hash: "QmC", Filename: "cache.tar", Filesize: 30},
	}}
	drive := &fakeDrive{deleteErr: errors.New("drive down"), failAt: 2}
	s := newService(repo, drive, nil, nil, nil)

	removed, err := s.RemoveCheckpoint(context.Background(), "zel1", "myapp", 100)
	require.Error(t, err)
	require.Len(t, removed, 1)

	// the row whose remote copy is gone must not keep counting against quota
	require.Equal(t, []int64{1}, repo.softDeleted)
}

func TestRemoveCheckpoint_MissingCheckpoint(t *testing.T) {
	s := newService(&fakeRepo{}, nil, nil, nil, nil)

	_, err := s.RemoveCheckpoint(context.Background(), "zel1", "myapp", 100)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRemoveCheckpoint_NothingRemovable(t *testing.T) {
	repo := &fakeRepo{checkpoint: []*models.Task{
		{TaskID: 1, Timestamp: 100, Hash: ""},
	}}
	s := newService(repo, nil, nil, nil, nil)

	_, err := s.RemoveCheckpoint(context.Background(), "zel1", "myapp", 100)
	require.ErrorIs(t, err, common.ErrorNotFound)
	require.Contains(t, err.Error(), "no file removed")
}

func TestStats(t *testing.T) {
	drive := &fakeDrive{usage: &storage.Usage{StorageUsed: 1234}}
	s := newService(&fakeRepo{}, drive, nil, nil, nil)

	usage, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1234), usage.StorageUsed)
}
