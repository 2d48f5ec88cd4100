package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/driveconv/driveconv/internal/log"
	"github.com/driveconv/driveconv/internal/model"
)

// DefaultEncodeArgs is the fixed argument template applied between the input
// and output paths: 720p x264 with AAC audio and machine-readable progress on
// the diagnostic stream.
var DefaultEncodeArgs = []string{
	"-c:v", "libx264", "-preset", "ultrafast", "-crf", "29",
	"-vf", "scale=1280:720",
	"-c:a", "aac", "-b:a", "128k",
	"-progress", "pipe:2",
	"-threads", "0",
}

var baseArgs = []string{"-y", "-fflags", "+genpts"}

// FFmpegConfig is the configuration for the ffmpeg-backed encoder.
type FFmpegConfig struct {
	FFmpegBin  string
	FFprobeBin string
	// EncodeArgs is the flag template between input and output.
	EncodeArgs []string
	// ReadTimeout bounds each diagnostic-stream read. A timeout logs and
	// keeps polling, it does not abort the encode.
	ReadTimeout time.Duration
	Logger      log.Logger
}

func (c *FFmpegConfig) defaults() error {
	if c.FFmpegBin == "" {
		c.FFmpegBin = "ffmpeg"
	}
	if c.FFprobeBin == "" {
		c.FFprobeBin = "ffprobe"
	}
	if len(c.EncodeArgs) == 0 {
		c.EncodeArgs = DefaultEncodeArgs
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "encoder.FFmpeg"})
	return nil
}

// FFmpeg implements Encoder with the ffmpeg/ffprobe binaries.
type FFmpeg struct {
	ffmpegBin   string
	ffprobeBin  string
	encodeArgs  []string
	readTimeout time.Duration
	logger      log.Logger
}

// NewFFmpeg creates a new ffmpeg-backed encoder.
func NewFFmpeg(cfg FFmpegConfig) (*FFmpeg, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &FFmpeg{
		ffmpegBin:   cfg.FFmpegBin,
		ffprobeBin:  cfg.FFprobeBin,
		encodeArgs:  cfg.EncodeArgs,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Probe obtains duration and frame count, trying ffprobe first and falling
// back to a null-output ffmpeg run that only reads the startup banner.
func (f *FFmpeg) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	info, probeErr := f.probeJSON(ctx, path)
	if probeErr == nil && info.DurationSeconds > 0 {
		return info, nil
	}
	if probeErr != nil {
		f.logger.Warningf("ffprobe failed for %s: %v", path, probeErr)
	}

	duration, bannerErr := f.bannerDuration(ctx, path)
	if bannerErr == nil && duration > 0 {
		info.DurationSeconds = duration
		return info, nil
	}

	if info.FrameCount > 0 {
		return info, nil
	}

	return model.MediaInfo{}, fmt.Errorf("no duration or frame count detected for %s", path)
}

func (f *FFmpeg) probeJSON(ctx context.Context, path string) (model.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration:stream=nb_frames",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return model.MediaInfo{}, fmt.Errorf("ffprobe %q: %w", path, err)
	}

	return ParseProbeJSON(out)
}

func (f *FFmpeg) bannerDuration(ctx context.Context, path string) (float64, error) {
	args := append(append([]string{}, baseArgs...), "-i", path, "-f", "null", "-")
	cmd := exec.CommandContext(ctx, f.ffmpegBin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// The null-output run exists only to capture the banner, its exit code
	// does not matter as long as a duration shows up.
	_ = cmd.Run()

	duration := ParseBannerDuration(stderr.String())
	if duration <= 0 {
		return 0, fmt.Errorf("no duration in encoder banner for %q", path)
	}

	return duration, nil
}

// Encode runs the encoder over input, streaming every diagnostic line to
// logPath. A dedicated reader goroutine parses progress samples and pushes
// them onto a channel; the consumer converts them to percentages against the
// probed totals. A non-zero exit is a hard failure carrying the log path.
func (f *FFmpeg) Encode(ctx context.Context, input, output, logPath string, info model.MediaInfo, onProgress func(percent int)) error {
	args := append(append([]string{}, baseArgs...), "-i", input)
	args = append(args, f.encodeArgs...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, f.ffmpegBin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("could not open diagnostic stream: %w", err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("could not create diagnostic log %s: %w", logPath, err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start encoder: %w", err)
	}

	useFrames := info.UseFrames()
	events := make(chan ProgressEvent, 64)

	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(logFile, line)

			event, ok := ParseProgressLine(line, useFrames)
			if !ok {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	f.consumeEvents(ctx, input, info, events, onProgress)

	if err := cmd.Wait(); err != nil {
		return EncodeError{LogPath: logPath, Err: err}
	}

	return nil
}

func (f *FFmpeg) consumeEvents(ctx context.Context, input string, info model.MediaInfo, events <-chan ProgressEvent, onProgress func(percent int)) {
	timer := time.NewTimer(f.readTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.readTimeout)

		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if pct, ok := eventPercent(event, info); ok && onProgress != nil {
				onProgress(pct)
			}
		case <-timer.C:
			// A stalled diagnostic stream keeps polling, it is not an abort.
			f.logger.Warningf("Timeout reading encoder diagnostics for %s", input)
		case <-ctx.Done():
			return
		}
	}
}

func eventPercent(event ProgressEvent, info model.MediaInfo) (int, bool) {
	if event.HasFrame {
		if info.FrameCount <= 0 {
			return 0, false
		}
		return int(event.Frame * 100 / info.FrameCount), true
	}
	if info.DurationSeconds <= 0 {
		return 0, false
	}
	return int(event.Seconds / info.DurationSeconds * 100), true
}
