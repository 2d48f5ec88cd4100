package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driveconv/driveconv/internal/model"
)

// convertFile transcodes one downloaded file. The progress basis is elapsed
// media time when a duration is known, frame count otherwise; when neither is
// available the conversion runs with indeterminate progress. A non-zero
// encoder exit fails this file only, with the diagnostic log attached to the
// failure detail.
func (r *Runner) convertFile(ctx context.Context, taskID string, unit model.FileUnit) (model.FileUnit, error) {
	release, err := r.limits.Acquire(ctx, model.StageConvert)
	if err != nil {
		return model.FileUnit{}, fmt.Errorf("could not acquire convert permit: %w", err)
	}
	defer release()

	base := filepath.Base(unit.LocalPath)
	outName := strings.TrimSuffix(base, filepath.Ext(base)) + ".mp4"
	outDir := filepath.Join(r.convertDir, r.sessionID)
	logPath := filepath.Join(r.logDir, base+".log")

	fail := func(err error, reason string) (model.FileUnit, error) {
		if trackErr := r.tracker.FileFailed(ctx, taskID, model.StageConvert, base, reason); trackErr != nil {
			r.logger.Errorf("Could not record conversion failure: %v", trackErr)
		}
		return model.FileUnit{}, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fail(err, fmt.Sprintf("Conversion failed: %s: %v", base, err))
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fail(err, fmt.Sprintf("Conversion failed: %s: %v", base, err))
	}

	if err := r.tracker.FileStarted(ctx, taskID, model.StageConvert, base); err != nil {
		r.logger.Errorf("Could not track conversion start: %v", err)
	}

	info, err := r.encoder.Probe(ctx, unit.LocalPath)
	if err != nil {
		// Degraded mode: the encode still runs, progress stays indeterminate.
		r.logger.Warningf("No progress basis for %s: %v", base, err)
	}

	outPath := filepath.Join(outDir, outName)
	onProgress := func(pct int) {
		if err := r.tracker.FileProgress(ctx, taskID, model.StageConvert, base, pct); err != nil {
			r.logger.Errorf("Could not track conversion progress: %v", err)
		}
	}

	if err := r.encoder.Encode(ctx, unit.LocalPath, outPath, logPath, info, onProgress); err != nil {
		return fail(err, fmt.Sprintf("Conversion failed: %s (log: %s)", base, logPath))
	}

	if err := r.tracker.FileCompleted(ctx, taskID, model.StageConvert, base); err != nil {
		r.logger.Errorf("Could not track conversion completion: %v", err)
	}
	r.logger.Infof("Converted %s to %s", unit.LocalPath, outPath)

	converted := unit
	converted.LocalPath = outPath
	converted.Name = strings.TrimSuffix(unit.Name, filepath.Ext(unit.Name)) + ".mp4"
	return converted, nil
}
