package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
	"github.com/dmitrijs2005/driveback/internal/server/transfer"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	updates []models.TaskStatus
	fail    error
}

func (r *fakeRepo) Create(ctx context.Context, task *models.Task) (int64, error) { return 0, nil }
func (r *fakeRepo) Get(ctx context.Context, id int64) (*models.Task, error)      { return nil, nil }
func (r *fakeRepo) SoftDelete(ctx context.Context, id int64) error               { return nil }
func (r *fakeRepo) SoftDeleteBatch(ctx context.Context, ids []int64) error       { return nil }
func (r *fakeRepo) SelectPending(ctx context.Context, limit int) ([]*models.Task, error) {
	return nil, nil
}
func (r *fakeRepo) SumOwnerUsage(ctx context.Context, owner string) (int64, error) { return 0, nil }
func (r *fakeRepo) CountOwnerAppFiles(ctx context.Context, owner, appname string) (int64, error) {
	return 0, nil
}
func (r *fakeRepo) FindDuplicate(ctx context.Context, owner, appname, component string, timestamp int64) (*models.Task, error) {
	return nil, nil
}
func (r *fakeRepo) SelectFinished(ctx context.Context, owner, appname string) ([]*models.Task, error) {
	return nil, nil
}
func (r *fakeRepo) SelectCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]*models.Task, error) {
	return nil, nil
}
func (r *fakeRepo) SelectExpirable(ctx context.Context, heightThreshold int64, limit int) ([]*models.Task, error) {
	return nil, nil
}

func (r *fakeRepo) Update(ctx context.Context, task *models.Task) error {
	if r.fail != nil {
		return r.fail
	}
	r.updates = append(r.updates, task.Status)
	return nil
}

type fakeDrive struct {
	hash    string
	err     error
	puts    int
	deletes []string
}

func (d *fakeDrive) Put(ctx context.Context, path string, progress storage.ProgressFunc) (string, error) {
	d.puts++
	if d.err != nil {
		return "", d.err
	}
	if progress != nil {
		progress(100)
	}
	return d.hash, nil
}

func (d *fakeDrive) Delete(ctx context.Context, hash string) error {
	d.deletes = append(d.deletes, hash)
	return nil
}

func (d *fakeDrive) Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	return nil, "", errors.New("not implemented")
}

func (d *fakeDrive) Status(ctx context.Context) (*storage.Usage, error) {
	return &storage.Usage{}, nil
}

type fakeDownloader struct {
	content  []byte
	received int64
	err      error
	fetches  int
	dsts     []string

	// progressSteps > 1 reports progress in that many increments
	progressSteps int
}

func (d *fakeDownloader) Fetch(ctx context.Context, host, filename, dst string, expected int64, progress transfer.ProgressFunc) (int64, error) {
	d.fetches++
	d.dsts = append(d.dsts, dst)
	if d.err != nil {
		return 0, d.err
	}
	if err := os.WriteFile(dst, d.content, 0o660); err != nil {
		return 0, err
	}
	if progress != nil {
		steps := d.progressSteps
		if steps < 1 {
			steps = 1
		}
		for i := 1; i <= steps; i++ {
			progress(float64(i) * 100 / float64(steps))
		}
	}
	return d.received, nil
}

func nopLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTask() *models.Task {
	return &models.Task{
		TaskID:     42,
		Owner:      "zel1",
		AppName:    "myapp",
		Component:  "db",
		Timestamp:  1700000000,
		Filename:   "db_1700000000.tar",
		Filesize:   4,
		Host:       "http://host1",
		Credential: "secret",
	}
}

func TestRun_HappyPath(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("data"), received: 4}
	dir := t.TempDir()

	r := NewRunner(repo, drive, dl, dir, nopLogger())
	task := newTask()

	require.NoError(t, r.Run(context.Background(), task))

	require.True(t, task.Downloaded)
	require.True(t, task.Uploaded)
	require.True(t, task.LocalRemoved)
	require.Equal(t, "QmAbc", task.Hash)
	require.NotZero(t, task.StartTime)
	require.NotZero(t, task.FinishTime)
	require.Empty(t, task.Credential)
	require.Equal(t, models.StateFinished, task.Status.State)
	require.Equal(t, float64(100), task.Status.Progress)

	// staging copy is gone after cleanup
	_, err := os.Stat(r.stagingPath(task))
	require.True(t, os.IsNotExist(err))

	// every stage persisted its transition
	var states []models.TaskState
	for _, s := range repo.updates {
		states = append(states, s.State)
	}
	require.Contains(t, states, models.StateStarted)
	require.Contains(t, states, models.StateDownloading)
	require.Contains(t, states, models.StateUploading)
	require.Contains(t, states, models.StateCleaning)
	require.Contains(t, states, models.StateFinished)
}

func TestRun_SizeMismatchFails(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("da"), received: 2}

	r := NewRunner(repo, drive, dl, t.TempDir(), nopLogger())
	task := newTask()

	err := r.Run(context.Background(), task)
	require.ErrorIs(t, err, common.ErrIntegrity)
	require.Equal(t, 1, task.Fails)
	require.Equal(t, models.StateFailed, task.Status.State)
	require.False(t, task.Downloaded)
	require.Zero(t, drive.puts)
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("data"), received: 4}
	dir := t.TempDir()

	task := newTask()
	task.Downloaded = true
	task.Uploaded = true
	task.Hash = "QmOld"

	r := NewRunner(repo, drive, dl, dir, nopLogger())
	require.NoError(t, os.WriteFile(r.stagingPath(task), []byte("data"), 0o660))
	require.NoError(t, r.Run(context.Background(), task))

	require.Zero(t, dl.fetches)
	require.Zero(t, drive.puts)
	require.Equal(t, "QmOld", task.Hash)
	require.True(t, task.LocalRemoved)
}

func TestRun_LocalRemovedForcesRedownload(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("data"), received: 4}

	task := newTask()
	task.Downloaded = true
	task.LocalRemoved = true

	r := NewRunner(repo, drive, dl, t.TempDir(), nopLogger())
	require.NoError(t, r.Run(context.Background(), task))

	require.Equal(t, 1, dl.fetches)
	require.Equal(t, 1, drive.puts)
}

func TestRun_DownloadErrorBumpsFails(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{err: errors.New("host unreachable")}

	task := newTask()
	task.Fails = 1

	r := NewRunner(repo, drive, dl, t.TempDir(), nopLogger())
	err := r.Run(context.Background(), task)
	require.Error(t, err)
	require.Equal(t, 2, task.Fails)
	require.Equal(t, "host unreachable", task.Status.Message)
}

func TestRun_FailsTwiceThenSucceeds(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{err: errors.New("host unreachable")}
	dir := t.TempDir()

	r := NewRunner(repo, drive, dl, dir, nopLogger())
	task := newTask()

	require.Error(t, r.Run(context.Background(), task))
	require.Error(t, r.Run(context.Background(), task))
	require.Equal(t, 2, task.Fails)
	require.Zero(t, task.FinishTime)

	dl.err = nil
	dl.content = []byte("data")
	dl.received = 4

	require.NoError(t, r.Run(context.Background(), task))
	require.Equal(t, 2, task.Fails)
	require.NotZero(t, task.FinishTime)
	require.Equal(t, models.StateFinished, task.Status.State)
}

func TestRun_UploadErrorKeepsDownloadedFlag(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{err: errors.New("drive down")}
	dl := &fakeDownloader{content: []byte("data"), received: 4}

	task := newTask()

	r := NewRunner(repo, drive, dl, t.TempDir(), nopLogger())
	err := r.Run(context.Background(), task)
	require.Error(t, err)
	require.True(t, task.Downloaded)
	require.False(t, task.Uploaded)
	require.Equal(t, 1, task.Fails)
}

func TestRun_StatusReadableDuringTransfer(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("data"), received: 4, progressSteps: 500}

	r := NewRunner(repo, drive, dl, t.TempDir(), nopLogger())
	task := newTask()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task) }()

	// status lookups keep reading the shared task while the pipeline runs
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Equal(t, models.StateFinished, task.StatusSnapshot().State)
			return
		default:
			snap := task.StatusSnapshot()
			require.LessOrEqual(t, snap.Progress, float64(100))
		}
	}
}

func TestRun_StagingPathsDifferForSameFilename(t *testing.T) {
	repo := &fakeRepo{}
	drive := &fakeDrive{hash: "QmAbc"}
	dl := &fakeDownloader{content: []byte("data"), received: 4}
	dir := t.TempDir()

	r := NewRunner(repo, drive, dl, dir, nopLogger())

	first := newTask()
	second := newTask()
	second.TaskID = 43
	second.Owner = "zel2"

	require.NoError(t, r.Run(context.Background(), first))
	require.NoError(t, r.Run(context.Background(), second))

	require.Len(t, dl.dsts, 2)
	require.NotEqual(t, dl.dsts[0], dl.dsts[1])
}
