package encoder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/driveconv/driveconv/internal/model"
)

// ProgressEvent is one parsed progress sample from the encoder's diagnostic
// stream. Exactly one of Frame/Seconds is meaningful, indicated by HasFrame.
type ProgressEvent struct {
	Frame    int64
	Seconds  float64
	HasFrame bool
}

var (
	frameRe    = regexp.MustCompile(`frame=\s*(\d+)`)
	timeRe     = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d+)`)
	durationRe = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2}\.\d+)`)
)

// ParseProgressLine extracts a frame counter or a time-code from one
// diagnostic line. The second return is false when the line carries neither.
func ParseProgressLine(line string, useFrames bool) (ProgressEvent, bool) {
	if useFrames {
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			return ProgressEvent{}, false
		}
		frame, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ProgressEvent{}, false
		}
		return ProgressEvent{Frame: frame, HasFrame: true}, true
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return ProgressEvent{}, false
	}
	return ProgressEvent{Seconds: hmsToSeconds(m[1], m[2], m[3])}, true
}

// ParseBannerDuration extracts the media duration from the encoder's startup
// banner ("Duration: hh:mm:ss.ss"). Returns 0 when absent.
func ParseBannerDuration(stderr string) float64 {
	m := durationRe.FindStringSubmatch(stderr)
	if m == nil {
		return 0
	}
	return hmsToSeconds(m[1], m[2], m[3])
}

func hmsToSeconds(h, m, s string) float64 {
	hours, _ := strconv.ParseFloat(h, 64)
	minutes, _ := strconv.ParseFloat(m, 64)
	seconds, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + minutes*60 + seconds
}

// Probe JSON wire types (ffprobe returns numbers as strings).

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeStream struct {
	NbFrames string `json:"nb_frames"`
}

// ParseProbeJSON converts raw ffprobe JSON output into media info. Exported
// for testing without a real ffprobe binary.
func ParseProbeJSON(data []byte) (model.MediaInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.MediaInfo{}, fmt.Errorf("parse probe JSON: %w", err)
	}

	info := model.MediaInfo{}
	if raw.Format.Duration != "" {
		info.DurationSeconds, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	}
	for _, s := range raw.Streams {
		if s.NbFrames != "" {
			if frames, err := strconv.ParseInt(s.NbFrames, 10, 64); err == nil && frames > 0 {
				info.FrameCount = frames
				break
			}
		}
	}

	return info, nil
}
