// Package encoder drives the external ffmpeg/ffprobe tool-chain: metadata
// probing for the conversion progress basis and the encode invocation itself,
// with progress parsed from the diagnostic stream.
package encoder

import (
	"context"
	"fmt"

	"github.com/driveconv/driveconv/internal/model"
)

// Encoder is the external encoder tool-chain consumed by the pipeline.
type Encoder interface {
	// Probe obtains duration and frame count for a local media file. The
	// returned info may be partially or fully unknown, the error is non-nil
	// only when every extraction path failed.
	Probe(ctx context.Context, path string) (model.MediaInfo, error)
	// Encode transcodes input into output, persisting every diagnostic line
	// to logPath and reporting progress percentages derived from info.
	Encode(ctx context.Context, input, output, logPath string, info model.MediaInfo, onProgress func(percent int)) error
}

// EncodeError is a fatal per-file encoder failure. The persisted diagnostic
// log is attached so failure details can reference it.
type EncodeError struct {
	LogPath string
	Err     error
}

func (e EncodeError) Error() string {
	return fmt.Sprintf("encoder failed (log: %s): %v", e.LogPath, e.Err)
}

func (e EncodeError) Unwrap() error { return e.Err }
