package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveconv/driveconv/internal/model"
)

func TestPhaseCanTransition(t *testing.T) {
	tests := map[string]struct {
		from model.Phase
		to   model.Phase
		exp  bool
	}{
		"Initializing to downloading is allowed":  {from: model.PhaseInitializing, to: model.PhaseDownloading, exp: true},
		"Downloading to converting is allowed":    {from: model.PhaseDownloading, to: model.PhaseConverting, exp: true},
		"Converting to uploading is allowed":      {from: model.PhaseConverting, to: model.PhaseUploading, exp: true},
		"Uploading to completed is allowed":       {from: model.PhaseUploading, to: model.PhaseCompleted, exp: true},
		"Skipping a phase forward is allowed":     {from: model.PhaseDownloading, to: model.PhaseUploading, exp: true},
		"Backward transition is rejected":         {from: model.PhaseUploading, to: model.PhaseDownloading, exp: false},
		"Same phase is rejected":                  {from: model.PhaseConverting, to: model.PhaseConverting, exp: false},
		"Failed is reachable from any phase":      {from: model.PhaseConverting, to: model.PhaseFailed, exp: true},
		"Completed is terminal":                   {from: model.PhaseCompleted, to: model.PhaseFailed, exp: false},
		"Failed is terminal":                      {from: model.PhaseFailed, to: model.PhaseDownloading, exp: false},
		"Failed cannot be reached from completed": {from: model.PhaseCompleted, to: model.PhaseDownloading, exp: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.exp, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskValidate(t *testing.T) {
	tests := map[string]struct {
		task   func() model.Task
		expErr bool
	}{
		"Valid task": {
			task: func() model.Task {
				return model.NewTask("task1", "session1", 3, time.Now())
			},
			expErr: false,
		},
		"Missing id returns error": {
			task: func() model.Task {
				return model.NewTask("", "session1", 3, time.Now())
			},
			expErr: true,
		},
		"Missing session id returns error": {
			task: func() model.Task {
				return model.NewTask("task1", "", 3, time.Now())
			},
			expErr: true,
		},
		"Non-positive file count returns error": {
			task: func() model.Task {
				return model.NewTask("task1", "session1", 0, time.Now())
			},
			expErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			task := tt.task()
			err := task.Validate()
			if tt.expErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTaskSnapshotIsDetached(t *testing.T) {
	task := model.NewTask("task1", "session1", 2, time.Now())
	task.ActiveDownloads["a.vob"] = 50
	task.CompletedDownloads = append(task.CompletedDownloads, "b.vob")

	snap := task.Snapshot()

	// Mutating the task must not leak into an already taken snapshot.
	task.ActiveDownloads["a.vob"] = 80
	task.CompletedDownloads = append(task.CompletedDownloads, "c.vob")
	task.FailedFiles = append(task.FailedFiles, "boom")

	assert.Equal(t, 50, snap.ActiveDownloads["a.vob"])
	assert.Equal(t, []string{"b.vob"}, snap.CompletedDownloads)
	assert.Empty(t, snap.FailedFiles)
}

func TestTaskClone(t *testing.T) {
	task := model.NewTask("task1", "session1", 2, time.Now())
	task.Cost = &model.CostInfo{UserID: "user1", EstimatedCost: 2.5}
	task.ActiveUploads["x.mp4"] = 10

	clone := task.Clone()
	clone.ActiveUploads["x.mp4"] = 99
	clone.Cost.UserID = "other"

	assert.Equal(t, 10, task.ActiveUploads["x.mp4"])
	assert.Equal(t, "user1", task.Cost.UserID)
}

func TestMediaInfoUseFrames(t *testing.T) {
	assert.True(t, model.MediaInfo{FrameCount: 100}.UseFrames())
	assert.True(t, model.MediaInfo{DurationSeconds: -1}.UseFrames())
	assert.False(t, model.MediaInfo{DurationSeconds: 12.5}.UseFrames())
}
