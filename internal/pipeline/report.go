package pipeline

import (
	"io"
	"time"

	"github.com/goccy/go-json"

	"listenetl/internal/storage"
)

// FileState is the lifecycle of one input file within a run.
type FileState string

const (
	FileDiscovered FileState = "discovered"
	FileNormalized FileState = "normalized"
	FileStaged     FileState = "staged"
	FileSkipped    FileState = "skipped"
)

// StageState is the lifecycle of a global stage within a run.
type StageState string

const (
	StageIdle      StageState = "idle"
	StageRunning   StageState = "running"
	StageCommitted StageState = "committed"
	StageFailed    StageState = "failed"
)

// FileOutcome is what happened to one input file.
type FileOutcome struct {
	Path     string         `json:"path"`
	State    FileState      `json:"state"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons,omitempty"`
	Staged   int64          `json:"staged"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// StageOutcome is what happened to one execution of a stage.
type StageOutcome struct {
	Stage    Stage         `json:"stage"`
	State    StageState    `json:"state"`
	Rows     int64         `json:"rows"`
	Users    int64         `json:"users_inserted,omitempty"`
	Tracks   int64         `json:"tracks_inserted,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report summarizes one invocation.
type Report struct {
	RunID       string               `json:"run_id"`
	Backend     string               `json:"backend,omitempty"`
	InputDir    string               `json:"input_dir,omitempty"`
	Granularity string               `json:"granularity,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Files       []FileOutcome        `json:"files"`
	Stages      []StageOutcome       `json:"stages"`
	Counts      *storage.TableCounts `json:"counts,omitempty"`
	Fatal       string               `json:"fatal,omitempty"`
}

// Succeeded reports whether the run completed. Skipped files do not fail a run.
func (r *Report) Succeeded() bool { return r.Fatal == "" }

// FilesIn returns how many files ended in state s.
func (r *Report) FilesIn(s FileState) int {
	n := 0
	for _, f := range r.Files {
		if f.State == s {
			n++
		}
	}
	return n
}

// Totals sums accepted, rejected and staged records over all files.
func (r *Report) Totals() (accepted, rejected int, staged int64) {
	for _, f := range r.Files {
		accepted += f.Accepted
		rejected += f.Rejected
		staged += f.Staged
	}
	return accepted, rejected, staged
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
