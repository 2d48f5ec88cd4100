// Package pipeline orchestrates the three-stage conversion of remote media
// files: bounded-parallelism download, external-encoder transcode and chunked
// resumable upload, with per-file failure isolation and cross-stage progress
// reporting.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driveconv/driveconv/internal/credits"
	"github.com/driveconv/driveconv/internal/drive"
	"github.com/driveconv/driveconv/internal/encoder"
	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/metrics"
	"github.com/driveconv/driveconv/internal/model"
	"github.com/driveconv/driveconv/internal/progress"
)

const defaultChunkSize = 62_914_560 // 60 MB.

const defaultRangeAttempts = 5

const mediaExtension = ".vob"

// RunnerConfig is the configuration for a session's pipeline runner.
type RunnerConfig struct {
	SessionID string
	Store     drive.Store
	Encoder   encoder.Encoder
	Tracker   *progress.Tracker
	Refunder  credits.Refunder
	Metrics   metrics.Recorder
	Logger    log.Logger

	Limits LimitsConfig
	// ChunkSize is the transfer chunk/byte-range size for both download and
	// upload.
	ChunkSize int64
	// RangeAttempts is the attempt budget per upload byte range.
	RangeAttempts int
	// RetryBackoffBase is the base delay of the exponential backoff between
	// range attempts.
	RetryBackoffBase time.Duration

	// DownloadDir, ConvertDir and LogDir are the local working directories.
	// Session subdirectories are created under the first two.
	DownloadDir string
	ConvertDir  string
	LogDir      string
}

func (c *RunnerConfig) defaults() error {
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Encoder == nil {
		return fmt.Errorf("encoder is required")
	}
	if c.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if c.Refunder == nil {
		c.Refunder = credits.Noop
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.RangeAttempts <= 0 {
		c.RangeAttempts = defaultRangeAttempts
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "vob_files"
	}
	if c.ConvertDir == "" {
		c.ConvertDir = "mp4_files"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Runner", "session": c.SessionID})
	return nil
}

// Runner drives the pipeline for every task of one session. It owns the
// session's permit group.
type Runner struct {
	sessionID string
	store     drive.Store
	encoder   encoder.Encoder
	tracker   *progress.Tracker
	refunder  credits.Refunder
	metrics   metrics.Recorder
	logger    log.Logger
	limits    *Limits

	chunkSize        int64
	rangeAttempts    int
	retryBackoffBase time.Duration
	downloadDir      string
	convertDir       string
	logDir           string
}

// NewRunner creates a pipeline runner for one session.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{
		sessionID:        cfg.SessionID,
		store:            cfg.Store,
		encoder:          cfg.Encoder,
		tracker:          cfg.Tracker,
		refunder:         cfg.Refunder,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		limits:           NewLimits(cfg.Limits),
		chunkSize:        cfg.ChunkSize,
		rangeAttempts:    cfg.RangeAttempts,
		retryBackoffBase: cfg.RetryBackoffBase,
		downloadDir:      cfg.DownloadDir,
		convertDir:       cfg.ConvertDir,
		logDir:           cfg.LogDir,
	}, nil
}

// Run executes the full pipeline for one task: discover, download all,
// convert all, upload all. Per-file failures are recorded and excluded from
// the next stage, they never cancel sibling files. Batch-level errors mark
// the task failed.
func (r *Runner) Run(ctx context.Context, task model.Task, refreshToken string, fileIDs []string) {
	logger := r.logger.WithValues(log.Kv{"task": task.ID})
	start := time.Now()

	items, err := r.discover(ctx, refreshToken, fileIDs)
	if err != nil || len(items) == 0 {
		if err == nil {
			err = fmt.Errorf("no media files found")
		}
		logger.Errorf("Discovery failed: %v", err)
		r.finishFailed(ctx, task, fmt.Sprintf("Processing failed: %v", err))
		return
	}

	if err := r.tracker.SetTotalFiles(ctx, task.ID, len(items)); err != nil {
		logger.Errorf("Could not set file count: %v", err)
	}

	// Download all.
	err = r.tracker.SetPhase(ctx, task.ID, model.PhaseDownloading,
		fmt.Sprintf("Starting parallel downloads for %d selected files...", len(items)))
	if err != nil {
		logger.Errorf("Could not enter download phase: %v", err)
		r.finishFailed(ctx, task, "Processing failed: could not start downloads")
		return
	}
	downloaded := r.downloadAll(ctx, task.ID, refreshToken, items)

	// Convert all.
	err = r.tracker.SetPhase(ctx, task.ID, model.PhaseConverting,
		fmt.Sprintf("Downloaded %d files. Starting parallel conversions...", len(downloaded)))
	if err != nil {
		logger.Errorf("Could not enter convert phase: %v", err)
		r.finishFailed(ctx, task, "Processing failed: could not start conversions")
		return
	}
	converted := r.convertAll(ctx, task.ID, downloaded)

	// Upload all.
	err = r.tracker.SetPhase(ctx, task.ID, model.PhaseUploading,
		fmt.Sprintf("Converted %d files. Starting parallel uploads...", len(converted)))
	if err != nil {
		logger.Errorf("Could not enter upload phase: %v", err)
		r.finishFailed(ctx, task, "Processing failed: could not start uploads")
		return
	}
	r.uploadAll(ctx, task.ID, refreshToken, converted)

	// Summary.
	snap, err := r.tracker.Snapshot(ctx, task.ID)
	if err != nil {
		logger.Errorf("Could not read final snapshot: %v", err)
		return
	}

	succeeded := len(snap.CompletedUploads)
	failed := len(snap.FailedFiles)
	details := fmt.Sprintf("Processing complete! %d files successful, %d failed.", succeeded, failed)
	if err := r.tracker.SetPhase(ctx, task.ID, model.PhaseCompleted, details); err != nil {
		logger.Errorf("Could not complete task: %v", err)
	}
	r.metrics.TaskFinished(model.PhaseCompleted, time.Since(start).Seconds())

	if failed > 0 {
		r.maybeRefund(ctx, task)
	}

	logger.Infof("Task finished: %d succeeded, %d failed", succeeded, failed)
}

// discover resolves the submitted ids into concrete media files, walking
// folder children recursively.
func (r *Runner) discover(ctx context.Context, refreshToken string, fileIDs []string) ([]drive.Item, error) {
	var files []drive.Item
	pending := append([]string{}, fileIDs...)

	for len(pending) > 0 {
		var next []string
		for _, id := range pending {
			item, err := r.store.GetItem(ctx, refreshToken, id)
			if err != nil {
				return nil, fmt.Errorf("could not resolve item %s: %w", id, err)
			}
			if item.IsFolder {
				children, err := r.store.ListChildren(ctx, refreshToken, item.ID)
				if err != nil {
					return nil, fmt.Errorf("could not list children of %s: %w", id, err)
				}
				for _, child := range children {
					if child.IsFolder {
						next = append(next, child.ID)
					} else if strings.EqualFold(extOf(child.Name), mediaExtension) {
						files = append(files, child)
					}
				}
				continue
			}
			files = append(files, *item)
		}
		pending = next
	}

	r.logger.Infof("Found %d media files", len(files))
	return files, nil
}

func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

// downloadAll fans the download stage out over all files, gated by the
// download permits. Returns the successfully downloaded units.
func (r *Runner) downloadAll(ctx context.Context, taskID, refreshToken string, items []drive.Item) []model.FileUnit {
	var mu sync.Mutex
	var units []model.FileUnit
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(item drive.Item) {
			defer wg.Done()
			unit, err := r.downloadFile(ctx, taskID, refreshToken, item)
			r.metrics.FileProcessed(model.StageDownload, err == nil)
			if err != nil {
				r.logger.Errorf("Download failed for %s: %v", item.Name, err)
				return
			}
			mu.Lock()
			units = append(units, unit)
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	return units
}

// convertAll fans the transform stage out over all downloaded files.
func (r *Runner) convertAll(ctx context.Context, taskID string, units []model.FileUnit) []model.FileUnit {
	var mu sync.Mutex
	var converted []model.FileUnit
	var wg sync.WaitGroup

	for _, unit := range units {
		wg.Add(1)
		go func(unit model.FileUnit) {
			defer wg.Done()
			out, err := r.convertFile(ctx, taskID, unit)
			r.metrics.FileProcessed(model.StageConvert, err == nil)
			if err != nil {
				r.logger.Errorf("Conversion failed for %s: %v", unit.Name, err)
				return
			}
			mu.Lock()
			converted = append(converted, out)
			mu.Unlock()
		}(unit)
	}
	wg.Wait()

	return converted
}

// uploadAll fans the publish stage out over all converted files.
func (r *Runner) uploadAll(ctx context.Context, taskID, refreshToken string, units []model.FileUnit) {
	var wg sync.WaitGroup

	for _, unit := range units {
		wg.Add(1)
		go func(unit model.FileUnit) {
			defer wg.Done()
			err := r.uploadFile(ctx, taskID, refreshToken, unit)
			r.metrics.FileProcessed(model.StageUpload, err == nil)
			if err != nil {
				r.logger.Errorf("Upload failed for %s: %v", unit.Name, err)
			}
		}(unit)
	}
	wg.Wait()
}

func (r *Runner) finishFailed(ctx context.Context, task model.Task, details string) {
	if err := r.tracker.Fail(ctx, task.ID, details); err != nil {
		r.logger.Errorf("Could not mark task failed: %v", err)
	}
	r.metrics.TaskFinished(model.PhaseFailed, time.Since(task.CreatedAt).Seconds())
	r.maybeRefund(ctx, task)
}

// maybeRefund invokes the external compensating refund when the task carries
// cost metadata. Refund errors are logged, never propagated.
func (r *Runner) maybeRefund(ctx context.Context, task model.Task) {
	if task.Cost == nil || task.Cost.UserID == "" || task.Cost.EstimatedCost <= 0 {
		return
	}

	r.logger.Infof("Initiating refund for task %s", task.ID)
	err := r.refunder.RefundOnFailure(ctx, task.Cost.UserID, task.Cost.EstimatedCost, task.ID)
	if err != nil {
		r.logger.Errorf("Refund failed for task %s: %v", task.ID, err)
	}
}
