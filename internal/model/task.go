package model

import (
	"fmt"
	"time"
)

// Phase represents the lifecycle phase of a conversion task.
type Phase string

const (
	// PhaseInitializing indicates the task has been accepted but file
	// discovery has not finished yet.
	PhaseInitializing Phase = "initializing"
	// PhaseDownloading indicates files are being fetched from the remote store.
	PhaseDownloading Phase = "downloading"
	// PhaseConverting indicates files are being transcoded.
	PhaseConverting Phase = "converting"
	// PhaseUploading indicates converted files are being sent back.
	PhaseUploading Phase = "uploading"
	// PhaseCompleted indicates the task finished (possibly with per-file failures).
	PhaseCompleted Phase = "completed"
	// PhaseFailed indicates the task aborted on a batch-level error.
	PhaseFailed Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseInitializing: 0,
	PhaseDownloading:  1,
	PhaseConverting:   2,
	PhaseUploading:    3,
	PhaseCompleted:    4,
}

// CanTransition reports whether a task may move from p to next. Phases only
// move forward, except that failed is reachable from any non-terminal phase.
func (p Phase) CanTransition(next Phase) bool {
	if p == PhaseCompleted || p == PhaseFailed {
		return false
	}
	if next == PhaseFailed {
		return true
	}

	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	if !ok {
		return false
	}

	return to > from
}

// StageOp identifies one class of pipeline operation.
type StageOp string

const (
	StageDownload StageOp = "download"
	StageConvert  StageOp = "convert"
	StageUpload   StageOp = "upload"
)

// CostInfo is the credit metadata attached to a task. It is only used to
// invoke the external refund collaborator on batch failure.
type CostInfo struct {
	UserID        string
	EstimatedCost float64
}

// Task tracks one batch conversion request end-to-end. It lives in memory for
// the lifetime of the process and is mutated by every stage worker through the
// task repository's atomic update path.
type Task struct {
	ID        string
	SessionID string
	Phase     Phase

	OverallProgress int // 0-100.
	PhaseProgress   int // 0-100, local to the current phase.
	CurrentFile     string
	FilesCompleted  int
	TotalFiles      int
	Details         string
	ETATotal        string
	ETAPhase        string

	CreatedAt      time.Time
	PhaseStartedAt time.Time

	ActiveDownloads      map[string]int
	ActiveConversions    map[string]int
	ActiveUploads        map[string]int
	CompletedDownloads   []string
	CompletedConversions []string
	CompletedUploads     []string
	FailedFiles          []string

	Cost *CostInfo
}

// NewTask returns an initializing task with all tracking maps allocated.
func NewTask(id, sessionID string, totalFiles int, now time.Time) Task {
	return Task{
		ID:                   id,
		SessionID:            sessionID,
		Phase:                PhaseInitializing,
		TotalFiles:           totalFiles,
		CreatedAt:            now,
		PhaseStartedAt:       now,
		ActiveDownloads:      map[string]int{},
		ActiveConversions:    map[string]int{},
		ActiveUploads:        map[string]int{},
		CompletedDownloads:   []string{},
		CompletedConversions: []string{},
		CompletedUploads:     []string{},
		FailedFiles:          []string{},
	}
}

// ActiveFor returns the active-item percent map for a stage operation.
func (t *Task) ActiveFor(op StageOp) map[string]int {
	switch op {
	case StageDownload:
		return t.ActiveDownloads
	case StageConvert:
		return t.ActiveConversions
	case StageUpload:
		return t.ActiveUploads
	}
	return nil
}

// CompletedFor returns a pointer to the completed-item list for a stage operation.
func (t *Task) CompletedFor(op StageOp) *[]string {
	switch op {
	case StageDownload:
		return &t.CompletedDownloads
	case StageConvert:
		return &t.CompletedConversions
	case StageUpload:
		return &t.CompletedUploads
	}
	return nil
}

// Validate validates the task fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if t.SessionID == "" {
		return fmt.Errorf("session id is required: %w", ErrNotValid)
	}
	if t.TotalFiles <= 0 {
		return fmt.Errorf("total files must be positive: %w", ErrNotValid)
	}
	return nil
}

// Snapshot is the poll-returned state of a task at one instant. It is a deep
// copy, detached from the live task record.
type Snapshot struct {
	TaskID               string         `json:"task_id"`
	SessionID            string         `json:"session_id"`
	CurrentPhase         Phase          `json:"current_phase"`
	OverallProgress      int            `json:"overall_progress"`
	PhaseProgress        int            `json:"phase_progress"`
	CurrentFile          string         `json:"current_file"`
	FilesCompleted       int            `json:"files_completed"`
	TotalFiles           int            `json:"total_files"`
	Details              string         `json:"details"`
	ETATotal             string         `json:"estimated_time_remaining"`
	ETAPhase             string         `json:"estimated_phase_time_remaining"`
	ActiveDownloads      map[string]int `json:"active_downloads"`
	ActiveConversions    map[string]int `json:"active_conversions"`
	ActiveUploads        map[string]int `json:"active_uploads"`
	CompletedDownloads   []string       `json:"completed_downloads"`
	CompletedConversions []string       `json:"completed_conversions"`
	CompletedUploads     []string       `json:"completed_uploads"`
	FailedFiles          []string       `json:"failed_files"`
}

// Snapshot returns a consistent copy of the task's observable state.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		TaskID:               t.ID,
		SessionID:            t.SessionID,
		CurrentPhase:         t.Phase,
		OverallProgress:      t.OverallProgress,
		PhaseProgress:        t.PhaseProgress,
		CurrentFile:          t.CurrentFile,
		FilesCompleted:       t.FilesCompleted,
		TotalFiles:           t.TotalFiles,
		Details:              t.Details,
		ETATotal:             t.ETATotal,
		ETAPhase:             t.ETAPhase,
		ActiveDownloads:      copyIntMap(t.ActiveDownloads),
		ActiveConversions:    copyIntMap(t.ActiveConversions),
		ActiveUploads:        copyIntMap(t.ActiveUploads),
		CompletedDownloads:   copyStrings(t.CompletedDownloads),
		CompletedConversions: copyStrings(t.CompletedConversions),
		CompletedUploads:     copyStrings(t.CompletedUploads),
		FailedFiles:          copyStrings(t.FailedFiles),
	}
}

// Clone returns a deep copy of the task, safe to mutate independently.
func (t *Task) Clone() Task {
	c := *t
	c.ActiveDownloads = copyIntMap(t.ActiveDownloads)
	c.ActiveConversions = copyIntMap(t.ActiveConversions)
	c.ActiveUploads = copyIntMap(t.ActiveUploads)
	c.CompletedDownloads = copyStrings(t.CompletedDownloads)
	c.CompletedConversions = copyStrings(t.CompletedConversions)
	c.CompletedUploads = copyStrings(t.CompletedUploads)
	c.FailedFiles = copyStrings(t.FailedFiles)
	if t.Cost != nil {
		cost := *t.Cost
		c.Cost = &cost
	}
	return c
}

func copyIntMap(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyStrings(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
