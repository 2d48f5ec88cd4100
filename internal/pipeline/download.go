package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/driveconv/driveconv/internal/drive"
	"github.com/driveconv/driveconv/internal/model"
)

// downloadFile streams one remote file to local disk in fixed-size chunks.
// The remote parent id is resolved first and encoded into the local filename
// so the upload stage can rebuild the destination later. Downloads are not
// retried, any error fails this file only.
func (r *Runner) downloadFile(ctx context.Context, taskID, refreshToken string, item drive.Item) (model.FileUnit, error) {
	release, err := r.limits.Acquire(ctx, model.StageDownload)
	if err != nil {
		return model.FileUnit{}, fmt.Errorf("could not acquire download permit: %w", err)
	}
	defer release()

	fail := func(err error) (model.FileUnit, error) {
		reason := fmt.Sprintf("Download failed for %s: %v", item.Name, err)
		if trackErr := r.tracker.FileFailed(ctx, taskID, model.StageDownload, localNameFor(item), reason); trackErr != nil {
			r.logger.Errorf("Could not record download failure: %v", trackErr)
		}
		return model.FileUnit{}, err
	}

	info, err := r.store.GetItem(ctx, refreshToken, item.ID)
	if err != nil {
		return fail(fmt.Errorf("could not get metadata: %w", err))
	}

	localName := fmt.Sprintf("%s-%s", info.ParentID, info.Name)
	dir := filepath.Join(r.downloadDir, r.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("could not create download dir: %w", err))
	}
	localPath := filepath.Join(dir, localName)

	if err := r.tracker.FileStarted(ctx, taskID, model.StageDownload, localName); err != nil {
		r.logger.Errorf("Could not track download start: %v", err)
	}

	body, length, err := r.store.GetContent(ctx, refreshToken, item.ID)
	if err != nil {
		return fail(fmt.Errorf("could not open content: %w", err))
	}
	defer body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fail(fmt.Errorf("could not create local file: %w", err))
	}
	defer out.Close()

	var downloaded int64
	for {
		n, copyErr := io.CopyN(out, body, r.chunkSize)
		downloaded += n

		// Indeterminate progress when the remote reports no length.
		if length > 0 {
			pct := int(downloaded * 100 / length)
			if err := r.tracker.FileProgress(ctx, taskID, model.StageDownload, localName, pct); err != nil {
				r.logger.Errorf("Could not track download progress: %v", err)
			}
		}

		if copyErr == io.EOF {
			break
		}
		if copyErr != nil {
			return fail(fmt.Errorf("could not stream content: %w", copyErr))
		}
	}

	if err := r.tracker.FileCompleted(ctx, taskID, model.StageDownload, localName); err != nil {
		r.logger.Errorf("Could not track download completion: %v", err)
	}
	r.logger.Infof("Downloaded: %s (parent: %s)", localPath, info.ParentID)

	return model.FileUnit{
		RemoteID:  item.ID,
		Name:      info.Name,
		ParentID:  info.ParentID,
		LocalPath: localPath,
		Size:      downloaded,
	}, nil
}

// localNameFor is the tracking key used before the parent id is known.
func localNameFor(item drive.Item) string {
	if item.ParentID != "" {
		return fmt.Sprintf("%s-%s", item.ParentID, item.Name)
	}
	return item.Name
}
