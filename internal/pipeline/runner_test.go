package pipeline_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/driveconv/driveconv/internal/credits/creditsmock"
	"github.com/driveconv/driveconv/internal/drive"
	"github.com/driveconv/driveconv/internal/drive/drivemock"
	"github.com/driveconv/driveconv/internal/encoder/encodermock"
	"github.com/driveconv/driveconv/internal/model"
	"github.com/driveconv/driveconv/internal/pipeline"
	"github.com/driveconv/driveconv/internal/progress"
	"github.com/driveconv/driveconv/internal/storage/memory"
)

// countingRecorder counts pipeline measurements for assertions.
type countingRecorder struct {
	mu           sync.Mutex
	rangeRetries int
}

func (c *countingRecorder) FileProcessed(model.StageOp, bool) {}
func (c *countingRecorder) TaskFinished(model.Phase, float64) {}
func (c *countingRecorder) UploadRangeRetried() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeRetries++
}

func (c *countingRecorder) retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rangeRetries
}

type runnerFixture struct {
	store    *drivemock.MockStore
	enc      *encodermock.MockEncoder
	refunder *creditsmock.MockRefunder
	recorder *countingRecorder
	tracker  *progress.Tracker
	runner   *pipeline.Runner

	downloadDir string
	convertDir  string
}

func newRunnerFixture(t *testing.T, rangeAttempts int) *runnerFixture {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	tracker, err := progress.NewTracker(progress.TrackerConfig{Repository: repo})
	require.NoError(t, err)

	tmp := t.TempDir()
	f := &runnerFixture{
		store:       &drivemock.MockStore{},
		enc:         &encodermock.MockEncoder{},
		refunder:    &creditsmock.MockRefunder{},
		recorder:    &countingRecorder{},
		tracker:     tracker,
		downloadDir: filepath.Join(tmp, "vob_files"),
		convertDir:  filepath.Join(tmp, "mp4_files"),
	}

	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		SessionID:        "session1",
		Store:            f.store,
		Encoder:          f.enc,
		Tracker:          tracker,
		Refunder:         f.refunder,
		Metrics:          f.recorder,
		ChunkSize:        4,
		RangeAttempts:    rangeAttempts,
		RetryBackoffBase: time.Millisecond,
		DownloadDir:      f.downloadDir,
		ConvertDir:       f.convertDir,
		LogDir:           filepath.Join(tmp, "logs"),
	})
	require.NoError(t, err)
	f.runner = runner

	return f
}

func (f *runnerFixture) newTask(t *testing.T, totalFiles int) model.Task {
	task := model.NewTask("task1", "session1", totalFiles, time.Now())
	require.NoError(t, f.tracker.Create(context.TODO(), task))
	return task
}

// writeOutput makes the encoder mock produce a converted file.
func writeOutput(t *testing.T, content string) func(args mock.Arguments) {
	return func(args mock.Arguments) {
		require.NoError(t, os.WriteFile(args.String(2), []byte(content), 0o644))
	}
}

func TestNewRunnerValidation(t *testing.T) {
	tests := map[string]struct {
		config pipeline.RunnerConfig
	}{
		"Missing session id": {config: pipeline.RunnerConfig{Store: &drivemock.MockStore{}, Encoder: &encodermock.MockEncoder{}, Tracker: &progress.Tracker{}}},
		"Missing store":      {config: pipeline.RunnerConfig{SessionID: "s", Encoder: &encodermock.MockEncoder{}, Tracker: &progress.Tracker{}}},
		"Missing encoder":    {config: pipeline.RunnerConfig{SessionID: "s", Store: &drivemock.MockStore{}, Tracker: &progress.Tracker{}}},
		"Missing tracker":    {config: pipeline.RunnerConfig{SessionID: "s", Store: &drivemock.MockStore{}, Encoder: &encodermock.MockEncoder{}}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := pipeline.NewRunner(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestRunnerRunFolderDiscovery(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	// A folder tree with one nested subfolder, one non-media file and two
	// media files with differing extension case.
	f.store.On("GetItem", mock.Anything, "refresh1", "folder1").Return(&drive.Item{ID: "folder1", Name: "VIDEO_TS", IsFolder: true}, nil)
	f.store.On("ListChildren", mock.Anything, "refresh1", "folder1").Return([]drive.Item{
		{ID: "f1", Name: "a.vob", ParentID: "folder1"},
		{ID: "sub", Name: "extras", IsFolder: true},
		{ID: "txt", Name: "readme.txt"},
	}, nil)
	f.store.On("GetItem", mock.Anything, "refresh1", "sub").Return(&drive.Item{ID: "sub", Name: "extras", IsFolder: true}, nil)
	f.store.On("ListChildren", mock.Anything, "refresh1", "sub").Return([]drive.Item{
		{ID: "f2", Name: "b.VOB", ParentID: "sub"},
	}, nil)

	f.store.On("GetItem", mock.Anything, "refresh1", "f1").Return(&drive.Item{ID: "f1", Name: "a.vob", ParentID: "folder1", Size: 10}, nil)
	f.store.On("GetItem", mock.Anything, "refresh1", "f2").Return(&drive.Item{ID: "f2", Name: "b.VOB", ParentID: "sub", Size: 6}, nil)
	f.store.On("GetContent", mock.Anything, "refresh1", "f1").Return(io.NopCloser(strings.NewReader("0123456789")), int64(10), nil)
	f.store.On("GetContent", mock.Anything, "refresh1", "f2").Return(io.NopCloser(strings.NewReader("abcdef")), int64(6), nil)

	f.enc.On("Probe", mock.Anything, mock.Anything).Return(model.MediaInfo{DurationSeconds: 10}, nil)
	f.enc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(writeOutput(t, "mp4!")).Return(nil)

	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "folder1", "a.mp4").Return("https://upload.example.com/1", nil)
	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "sub", "b.mp4").Return("https://upload.example.com/2", nil)
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	task := f.newTask(t, 1)
	f.runner.Run(ctx, task, "refresh1", []string{"folder1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCompleted, snap.CurrentPhase)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, 100, snap.PhaseProgress)
	assert.Equal(t, 2, snap.TotalFiles)
	assert.Equal(t, 2, snap.FilesCompleted)
	assert.ElementsMatch(t, []string{"folder1-a.vob", "sub-b.VOB"}, snap.CompletedDownloads)
	assert.ElementsMatch(t, []string{"folder1-a.mp4", "sub-b.mp4"}, snap.CompletedUploads)
	assert.Empty(t, snap.FailedFiles)
	assert.Equal(t, "Processing complete! 2 files successful, 0 failed.", snap.Details)

	// Downloaded bytes land under the session directory with the parent id
	// encoded in the name.
	got, err := os.ReadFile(filepath.Join(f.downloadDir, "session1", "folder1-a.vob"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	f.refunder.AssertNotCalled(t, "RefundOnFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestRunnerRunConversionFailureIsIsolated(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	for _, file := range []struct{ id, name string }{
		{id: "f1", name: "a.vob"},
		{id: "f2", name: "b.vob"},
		{id: "f3", name: "c.vob"},
	} {
		f.store.On("GetItem", mock.Anything, "refresh1", file.id).Return(&drive.Item{ID: file.id, Name: file.name, ParentID: "p", Size: 4}, nil)
		f.store.On("GetContent", mock.Anything, "refresh1", file.id).Return(io.NopCloser(strings.NewReader("data")), int64(4), nil)
	}

	f.enc.On("Probe", mock.Anything, mock.Anything).Return(model.MediaInfo{DurationSeconds: 10}, nil)
	badInput := filepath.Join(f.downloadDir, "session1", "p-b.vob")
	f.enc.On("Encode", mock.Anything, badInput, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("exit status 1"))
	f.enc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(writeOutput(t, "mp4!")).Return(nil)

	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "p", "a.mp4").Return("https://upload.example.com/1", nil)
	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "p", "c.mp4").Return("https://upload.example.com/2", nil)
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f.refunder.On("RefundOnFailure", mock.Anything, "user1", 3.0, "task1").Return(nil)

	task := f.newTask(t, 3)
	task.Cost = &model.CostInfo{UserID: "user1", EstimatedCost: 3.0}
	f.runner.Run(ctx, task, "refresh1", []string{"f1", "f2", "f3"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	// One conversion failed, the siblings still went all the way through.
	assert.Equal(t, model.PhaseCompleted, snap.CurrentPhase)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.ElementsMatch(t, []string{"p-a.mp4", "p-c.mp4"}, snap.CompletedUploads)
	require.Len(t, snap.FailedFiles, 1)
	assert.Contains(t, snap.FailedFiles[0], "Conversion failed: p-b.vob")
	assert.Equal(t, "Processing complete! 2 files successful, 1 failed.", snap.Details)

	// Partial failure with cost metadata triggers the compensating refund.
	f.refunder.AssertExpectations(t)
}

func TestRunnerUploadRangeRetry(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	f.store.On("GetItem", mock.Anything, "refresh1", "f1").Return(&drive.Item{ID: "f1", Name: "a.vob", ParentID: "p", Size: 4}, nil)
	f.store.On("GetContent", mock.Anything, "refresh1", "f1").Return(io.NopCloser(strings.NewReader("data")), int64(4), nil)
	f.enc.On("Probe", mock.Anything, mock.Anything).Return(model.MediaInfo{DurationSeconds: 10}, nil)
	f.enc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(writeOutput(t, "mp4!")).Return(nil)
	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "p", "a.mp4").Return("https://upload.example.com/1", nil)

	// Three transient range failures, then success, all within the budget.
	rangeErr := drive.StatusError{Code: 500, Op: "upload range"}
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(rangeErr).Times(3)
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	task := f.newTask(t, 1)
	f.runner.Run(ctx, task, "refresh1", []string{"f1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCompleted, snap.CurrentPhase)
	assert.Equal(t, []string{"p-a.mp4"}, snap.CompletedUploads)
	assert.Empty(t, snap.FailedFiles)
	assert.Equal(t, 3, f.recorder.retries())
	f.store.AssertExpectations(t)
}

func TestRunnerUploadMultipleRanges(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	f.store.On("GetItem", mock.Anything, "refresh1", "f1").Return(&drive.Item{ID: "f1", Name: "a.vob", ParentID: "p", Size: 4}, nil)
	f.store.On("GetContent", mock.Anything, "refresh1", "f1").Return(io.NopCloser(strings.NewReader("data")), int64(4), nil)
	f.enc.On("Probe", mock.Anything, mock.Anything).Return(model.MediaInfo{DurationSeconds: 10}, nil)
	// 20 bytes against the 4-byte chunk size makes 5 upload ranges.
	f.enc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(writeOutput(t, "abcdefghijklmnopqrst")).Return(nil)
	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "p", "a.mp4").Return("https://upload.example.com/1", nil)

	var mu sync.Mutex
	var offsets []int64
	chunks := map[int64]string{}
	record := func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		offset := args.Get(3).(int64)
		offsets = append(offsets, offset)
		chunks[offset] = string(append([]byte{}, args.Get(2).([]byte)...))
	}

	// Range 2 (offset 4) fails on attempts 1-3 and succeeds on attempt 4,
	// inside the 5-attempt budget. Every other range goes through first try.
	rangeErr := drive.StatusError{Code: 500, Op: "upload range"}
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, int64(4), int64(20)).Run(record).Return(rangeErr).Times(3)
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, int64(4), int64(20)).Run(record).Return(nil).Once()
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, int64(20)).Run(record).Return(nil)

	task := f.newTask(t, 1)
	f.runner.Run(ctx, task, "refresh1", []string{"f1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCompleted, snap.CurrentPhase)
	assert.Equal(t, []string{"p-a.mp4"}, snap.CompletedUploads)
	assert.Empty(t, snap.FailedFiles)
	assert.Equal(t, 1, snap.FilesCompleted)

	// Ranges are sent in order; the failing range is retried in place and the
	// upload only advances past it once it lands.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 4, 4, 4, 4, 8, 12, 16}, offsets)

	// The successful ranges reassemble the file contiguously.
	assert.Equal(t, "abcdefghijklmnopqrst", chunks[0]+chunks[4]+chunks[8]+chunks[12]+chunks[16])

	assert.Equal(t, 3, f.recorder.retries())
	f.store.AssertExpectations(t)
}

func TestRunnerUploadRangeBudgetExhausted(t *testing.T) {
	f := newRunnerFixture(t, 3)
	ctx := context.Background()

	f.store.On("GetItem", mock.Anything, "refresh1", "f1").Return(&drive.Item{ID: "f1", Name: "a.vob", ParentID: "p", Size: 4}, nil)
	f.store.On("GetContent", mock.Anything, "refresh1", "f1").Return(io.NopCloser(strings.NewReader("data")), int64(4), nil)
	f.enc.On("Probe", mock.Anything, mock.Anything).Return(model.MediaInfo{DurationSeconds: 10}, nil)
	f.enc.On("Encode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(writeOutput(t, "mp4!")).Return(nil)
	f.store.On("CreateUploadSession", mock.Anything, "refresh1", "p", "a.mp4").Return("https://upload.example.com/1", nil)
	f.store.On("UploadRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(drive.StatusError{Code: 500, Op: "upload range"})

	task := f.newTask(t, 1)
	f.runner.Run(ctx, task, "refresh1", []string{"f1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCompleted, snap.CurrentPhase)
	assert.Empty(t, snap.CompletedUploads)
	assert.Equal(t, []string{"Upload failed: p-a.mp4"}, snap.FailedFiles)
	assert.Equal(t, "Processing complete! 0 files successful, 1 failed.", snap.Details)
	f.store.AssertNumberOfCalls(t, "UploadRange", 3)
}

func TestRunnerDiscoveryFailure(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	f.store.On("GetItem", mock.Anything, "refresh1", "f1").Return(nil, errors.New("boom"))
	f.refunder.On("RefundOnFailure", mock.Anything, "user1", 2.5, "task1").Return(nil)

	task := f.newTask(t, 1)
	task.Cost = &model.CostInfo{UserID: "user1", EstimatedCost: 2.5}
	f.runner.Run(ctx, task, "refresh1", []string{"f1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseFailed, snap.CurrentPhase)
	assert.Contains(t, snap.Details, "Processing failed:")
	f.refunder.AssertExpectations(t)
}

func TestRunnerNoMediaFiles(t *testing.T) {
	f := newRunnerFixture(t, 5)
	ctx := context.Background()

	f.store.On("GetItem", mock.Anything, "refresh1", "folder1").Return(&drive.Item{ID: "folder1", Name: "empty", IsFolder: true}, nil)
	f.store.On("ListChildren", mock.Anything, "refresh1", "folder1").Return([]drive.Item{
		{ID: "txt", Name: "readme.txt"},
	}, nil)

	task := f.newTask(t, 1)
	f.runner.Run(ctx, task, "refresh1", []string{"folder1"})

	snap, err := f.tracker.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PhaseFailed, snap.CurrentPhase)
	assert.Contains(t, snap.Details, "no media files found")
}
