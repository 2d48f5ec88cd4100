package model

// FileUnit is one file moving through the conversion pipeline. The remote
// parent id is captured at download time and encoded into the local filename
// so later stages can rebuild the upload destination without another metadata
// call.
type FileUnit struct {
	RemoteID  string
	Name      string
	ParentID  string
	LocalPath string
	Size      int64
}

// MediaInfo is the probe result used as the progress basis for one
// conversion. Either value may be unknown.
type MediaInfo struct {
	DurationSeconds float64
	FrameCount      int64
}

// UseFrames reports whether conversion progress should be frame-based.
// Elapsed media time is preferred whenever a positive duration is known.
func (m MediaInfo) UseFrames() bool {
	return m.DurationSeconds <= 0
}
