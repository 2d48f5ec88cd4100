package progress

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
	"github.com/driveconv/driveconv/internal/storage"
)

// Schedule holds the static phase-weight layout of the overall progress bar
// and the ETA tuning knobs. The zero value is not usable, use
// DefaultSchedule.
type Schedule struct {
	// DiscoveryFloor is claimed by file discovery before downloads start.
	DiscoveryFloor int
	// DownloadWeight is the overall share of the download phase.
	DownloadWeight int
	// ConvertFloor is the overall progress on entering the convert phase.
	ConvertFloor int
	// ConvertWeight is the overall share of the convert phase.
	ConvertWeight int
	// UploadFloor is the overall progress on entering the upload phase.
	UploadFloor int
	// UploadWeight is the overall share of the upload phase.
	UploadWeight int

	// PhaseETAThreshold is the minimum phase progress before a phase ETA is
	// extrapolated.
	PhaseETAThreshold int
	// OverallETAThreshold is the minimum overall progress before an overall
	// ETA is extrapolated.
	OverallETAThreshold int
	// TransferETABuffer is the safety multiplier applied to download and
	// upload overall estimates.
	TransferETABuffer float64
	// ConvertETABuffer is the safety multiplier applied to convert overall
	// estimates.
	ConvertETABuffer float64
}

// DefaultSchedule is the 5/30/40/25 layout: discovery 0-5, download 5-35,
// convert 35-75, upload 75-100.
func DefaultSchedule() Schedule {
	return Schedule{
		DiscoveryFloor:      5,
		DownloadWeight:      30,
		ConvertFloor:        35,
		ConvertWeight:       40,
		UploadFloor:         75,
		UploadWeight:        25,
		PhaseETAThreshold:   10,
		OverallETAThreshold: 15,
		TransferETABuffer:   1.2,
		ConvertETABuffer:    1.3,
	}
}

const (
	etaCalculating = "Calculating..."
	etaAlmostDone  = "Almost done..."
)

const maxDetailFiles = 3

// TrackerConfig is the configuration for the progress tracker.
type TrackerConfig struct {
	Repository storage.TaskRepository
	Schedule   Schedule
	Logger     log.Logger
	// Now is the clock used for ETA extrapolation. Defaults to time.Now.
	Now func() time.Time
}

func (c *TrackerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Schedule == (Schedule{}) {
		c.Schedule = DefaultSchedule()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "progress.Tracker"})
	return nil
}

// Tracker maintains the cross-stage progress snapshot of every task. All
// mutations go through the repository's atomic update path, so concurrent
// stage workers never lose updates on the nested maps.
type Tracker struct {
	repo     storage.TaskRepository
	schedule Schedule
	logger   log.Logger
	now      func() time.Time
}

// NewTracker creates a new progress tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Tracker{
		repo:     cfg.Repository,
		schedule: cfg.Schedule,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Create registers a new task with the tracker.
func (t *Tracker) Create(ctx context.Context, task model.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if err := t.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("could not create task: %w", err)
	}
	return nil
}

// Snapshot returns the current progress snapshot for a task.
func (t *Tracker) Snapshot(ctx context.Context, taskID string) (*model.Snapshot, error) {
	task, err := t.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	snap := task.Snapshot()
	return &snap, nil
}

// SetTotalFiles fixes the task's file count once discovery has resolved
// folders into concrete files.
func (t *Tracker) SetTotalFiles(ctx context.Context, taskID string, total int) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		if total <= 0 {
			return fmt.Errorf("total files must be positive: %w", model.ErrNotValid)
		}
		task.TotalFiles = total
		return nil
	})
}

// SetPhase moves a task into a new phase. Transitions are forward-only, the
// phase timer restarts and per-phase ETAs reset.
func (t *Tracker) SetPhase(ctx context.Context, taskID string, phase model.Phase, details string) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		if !task.Phase.CanTransition(phase) {
			return fmt.Errorf("phase transition %s -> %s: %w", task.Phase, phase, model.ErrNotValid)
		}

		task.Phase = phase
		task.PhaseStartedAt = t.now()
		task.PhaseProgress = 0
		// Completion keeps the last phase's file count for the final snapshot.
		if phase != model.PhaseCompleted {
			task.FilesCompleted = 0
		}
		task.ETAPhase = ""
		task.ETATotal = ""
		task.Details = details

		switch phase {
		case model.PhaseDownloading:
			task.OverallProgress = t.schedule.DiscoveryFloor
		case model.PhaseConverting:
			task.OverallProgress = t.schedule.ConvertFloor
		case model.PhaseUploading:
			task.OverallProgress = t.schedule.UploadFloor
		case model.PhaseCompleted:
			task.OverallProgress = 100
			task.PhaseProgress = 100
			task.CurrentFile = ""
		}
		return nil
	})
}

// Fail marks the task as failed at the batch level.
func (t *Tracker) Fail(ctx context.Context, taskID string, details string) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		if !task.Phase.CanTransition(model.PhaseFailed) {
			return fmt.Errorf("phase transition %s -> failed: %w", task.Phase, model.ErrNotValid)
		}
		task.Phase = model.PhaseFailed
		task.Details = details
		task.CurrentFile = ""
		task.ETAPhase = ""
		task.ETATotal = ""
		return nil
	})
}

// FileStarted registers an item as active in a stage with zero progress.
func (t *Tracker) FileStarted(ctx context.Context, taskID string, op model.StageOp, name string) error {
	return t.FileProgress(ctx, taskID, op, name, 0)
}

// FileProgress updates the percent of an active item in a stage.
func (t *Tracker) FileProgress(ctx context.Context, taskID string, op model.StageOp, name string, percent int) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		active := task.ActiveFor(op)
		if active == nil {
			return fmt.Errorf("unknown stage operation %q: %w", op, model.ErrNotValid)
		}
		active[name] = clampPercent(percent)
		return nil
	})
}

// FileCompleted moves an item from the active map to the completed list.
func (t *Tracker) FileCompleted(ctx context.Context, taskID string, op model.StageOp, name string) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		active := task.ActiveFor(op)
		completed := task.CompletedFor(op)
		if active == nil || completed == nil {
			return fmt.Errorf("unknown stage operation %q: %w", op, model.ErrNotValid)
		}
		delete(active, name)
		for _, existing := range *completed {
			if existing == name {
				return nil
			}
		}
		*completed = append(*completed, name)
		return nil
	})
}

// FileFailed removes an item from a stage's active map and records its
// failure description.
func (t *Tracker) FileFailed(ctx context.Context, taskID string, op model.StageOp, name, reason string) error {
	return t.update(ctx, taskID, func(task *model.Task) error {
		active := task.ActiveFor(op)
		if active == nil {
			return fmt.Errorf("unknown stage operation %q: %w", op, model.ErrNotValid)
		}
		delete(active, name)
		task.FailedFiles = append(task.FailedFiles, reason)
		return nil
	})
}

// update wraps the repository update with a recompute of the derived fields.
func (t *Tracker) update(ctx context.Context, taskID string, mutate func(task *model.Task) error) error {
	err := t.repo.UpdateTask(ctx, taskID, func(task *model.Task) error {
		if err := mutate(task); err != nil {
			return err
		}
		t.recompute(task)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not update progress: %w", err)
	}
	return nil
}

// recompute derives phase/overall progress, ETAs and the active-file detail
// line from the tracking maps.
func (t *Tracker) recompute(task *model.Task) {
	switch task.Phase {
	case model.PhaseDownloading:
		t.recomputePhase(task, task.ActiveDownloads, len(task.CompletedDownloads), t.schedule.DiscoveryFloor, t.schedule.DownloadWeight)
	case model.PhaseConverting:
		t.recomputePhase(task, task.ActiveConversions, len(task.CompletedConversions), t.schedule.ConvertFloor, t.schedule.ConvertWeight)
	case model.PhaseUploading:
		t.recomputePhase(task, task.ActiveUploads, len(task.CompletedUploads), t.schedule.UploadFloor, t.schedule.UploadWeight)
	default:
		return
	}

	t.recomputeETAs(task)
	t.recomputeCurrentFile(task)
}

func (t *Tracker) recomputePhase(task *model.Task, active map[string]int, completed, floor, weight int) {
	task.FilesCompleted = completed
	if task.TotalFiles <= 0 {
		return
	}

	activeSum := 0.0
	for _, pct := range active {
		activeSum += float64(pct) / 100
	}

	phasePct := int((float64(completed) + activeSum) / float64(task.TotalFiles) * 100)
	if phasePct > 100 {
		phasePct = 100
	}
	task.PhaseProgress = phasePct

	overall := floor + int(float64(phasePct)*float64(weight)/100)
	// The floor is monotonic for the lifetime of the phase.
	if overall > task.OverallProgress {
		task.OverallProgress = overall
	}
	if task.OverallProgress > 100 {
		task.OverallProgress = 100
	}
}

func (t *Tracker) recomputeETAs(task *model.Task) {
	now := t.now()

	// Phase ETA, linear extrapolation of elapsed phase time.
	switch {
	case task.PhaseProgress > t.schedule.PhaseETAThreshold:
		elapsed := now.Sub(task.PhaseStartedAt).Seconds()
		remaining := elapsed*100/float64(task.PhaseProgress) - elapsed
		if remaining > 0 {
			task.ETAPhase = formatDuration(remaining)
		} else {
			task.ETAPhase = etaAlmostDone
		}
	default:
		task.ETAPhase = etaCalculating
	}

	// Overall ETA, buffered per phase. In the final phase the phase ETA is
	// the overall ETA.
	if task.Phase == model.PhaseUploading {
		task.ETATotal = task.ETAPhase
		return
	}

	if task.OverallProgress <= t.schedule.OverallETAThreshold {
		task.ETATotal = etaCalculating
		return
	}

	buffer := t.schedule.TransferETABuffer
	if task.Phase == model.PhaseConverting {
		buffer = t.schedule.ConvertETABuffer
	}

	elapsed := now.Sub(task.CreatedAt).Seconds()
	remaining := elapsed*100/float64(task.OverallProgress)*buffer - elapsed
	if remaining > 0 {
		task.ETATotal = formatDuration(remaining)
	} else {
		task.ETATotal = etaAlmostDone
	}
}

func (t *Tracker) recomputeCurrentFile(task *model.Task) {
	// Sorted per stage so successive polls of the same state render the same
	// detail line.
	names := []string{}
	for _, active := range []map[string]int{task.ActiveDownloads, task.ActiveConversions, task.ActiveUploads} {
		group := make([]string, 0, len(active))
		for name := range active {
			group = append(group, name)
		}
		sort.Strings(group)
		names = append(names, group...)
	}

	if len(names) == 0 {
		task.CurrentFile = ""
		return
	}

	shown := names
	if len(shown) > maxDetailFiles {
		shown = shown[:maxDetailFiles]
	}
	current := strings.Join(shown, ", ")
	if extra := len(names) - maxDetailFiles; extra > 0 {
		current += fmt.Sprintf(" (+%d more)", extra)
	}
	task.CurrentFile = current
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
