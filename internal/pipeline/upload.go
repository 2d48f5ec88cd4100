package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driveconv/driveconv/internal/model"
)

// uploadFile publishes one converted file back to the remote store through a
// resumable upload session. Byte ranges are sent strictly in order; a failed
// range is retried in place with exponential backoff, and an exhausted budget
// fails the whole file.
func (r *Runner) uploadFile(ctx context.Context, taskID, refreshToken string, unit model.FileUnit) error {
	release, err := r.limits.Acquire(ctx, model.StageUpload)
	if err != nil {
		return fmt.Errorf("could not acquire upload permit: %w", err)
	}
	defer release()

	base := filepath.Base(unit.LocalPath)

	fail := func(err error) error {
		reason := fmt.Sprintf("Upload failed: %s", base)
		if trackErr := r.tracker.FileFailed(ctx, taskID, model.StageUpload, base, reason); trackErr != nil {
			r.logger.Errorf("Could not record upload failure: %v", trackErr)
		}
		return err
	}

	// The local filename carries the remote parent id captured at download
	// time: "<parentID>-<name>".
	parentID, name, found := strings.Cut(base, "-")
	if !found || parentID == "" {
		return fail(fmt.Errorf("invalid local file name %q: missing parent id", base))
	}

	fi, err := os.Stat(unit.LocalPath)
	if err != nil {
		return fail(fmt.Errorf("could not stat local file: %w", err))
	}
	totalSize := fi.Size()
	if totalSize == 0 {
		r.logger.Warningf("Empty file: %s", unit.LocalPath)
	}

	if err := r.tracker.FileStarted(ctx, taskID, model.StageUpload, base); err != nil {
		r.logger.Errorf("Could not track upload start: %v", err)
	}

	uploadURL, err := r.store.CreateUploadSession(ctx, refreshToken, parentID, name)
	if err != nil {
		return fail(fmt.Errorf("could not create upload session: %w", err))
	}

	f, err := os.Open(unit.LocalPath)
	if err != nil {
		return fail(fmt.Errorf("could not open local file: %w", err))
	}
	defer f.Close()

	totalRanges := (totalSize + r.chunkSize - 1) / r.chunkSize
	buf := make([]byte, r.chunkSize)

	for i := int64(0); i < totalRanges; i++ {
		offset := i * r.chunkSize
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fail(fmt.Errorf("could not read range %d: %w", i+1, err))
		}

		if err := r.sendRange(ctx, uploadURL, buf[:n], offset, totalSize, i+1, totalRanges); err != nil {
			return fail(err)
		}

		pct := int((i + 1) * 100 / totalRanges)
		if err := r.tracker.FileProgress(ctx, taskID, model.StageUpload, base, pct); err != nil {
			r.logger.Errorf("Could not track upload progress: %v", err)
		}
	}

	if err := r.tracker.FileCompleted(ctx, taskID, model.StageUpload, base); err != nil {
		r.logger.Errorf("Could not track upload completion: %v", err)
	}
	r.logger.Infof("Uploaded %s", name)

	return nil
}

// sendRange sends one byte range, retrying the same range up to the attempt
// budget with delay = base * 2^(attempt-1).
func (r *Runner) sendRange(ctx context.Context, uploadURL string, data []byte, offset, totalSize, rangeNum, totalRanges int64) error {
	var lastErr error

	for attempt := 1; attempt <= r.rangeAttempts; attempt++ {
		lastErr = r.store.UploadRange(ctx, uploadURL, data, offset, totalSize)
		if lastErr == nil {
			return nil
		}

		r.logger.Warningf("Range %d/%d failed, attempt %d: %v", rangeNum, totalRanges, attempt, lastErr)
		if attempt == r.rangeAttempts {
			break
		}
		r.metrics.UploadRangeRetried()

		delay := r.retryBackoffBase * (1 << (attempt - 1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("range %d/%d failed after %d attempts: %w", rangeNum, totalRanges, r.rangeAttempts, lastErr)
}
