// Package store defines the RunStore interface, a registry of simulation
// runs and the per-frame summaries they produced.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvandessel/phenosim/internal/trajectory"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// ErrRunNotFound is returned when a run ID matches nothing.
var ErrRunNotFound = errors.New("run not found")

// Run describes one invocation of the engine writing one trajectory file.
type Run struct {
	ID          string     `json:"id"`
	ParamsHash  string     `json:"params_hash"`
	Seed        uint64     `json:"seed"`
	Path        string     `json:"path"`
	ResumedFrom string     `json:"resumed_from,omitempty"`
	Frames      int        `json:"frames"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// FrameRecord is the summary of one frame written by a run.
type FrameRecord struct {
	RunID   string             `json:"run_id"`
	Index   int                `json:"index"`
	Step    uint64             `json:"step"`
	Summary trajectory.Summary `json:"summary"`
}

// RunStore records runs and their frames.
type RunStore interface {
	// CreateRun registers a running run. An empty ID is replaced with a
	// fresh UUID; the assigned ID is returned.
	CreateRun(ctx context.Context, run Run) (string, error)

	// RecordFrame stores a frame summary and bumps the run's frame count.
	RecordFrame(ctx context.Context, frame FrameRecord) error

	// FinishRun marks the run completed, or failed with runErr's text when
	// runErr is non-nil.
	FinishRun(ctx context.Context, id string, runErr error) error

	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns all runs, most recently started first.
	ListRuns(ctx context.Context) ([]Run, error)

	// ListFrames returns a run's frames in index order.
	ListFrames(ctx context.Context, runID string) ([]FrameRecord, error)

	Close() error
}

// Backends accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the RunStore for backend. path is the SQLite database file
// and is ignored by the memory backend.
func Open(backend, path string) (RunStore, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteRunStore(path)
	case BackendMemory:
		return NewInMemoryRunStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// finishState returns the status and error text FinishRun records.
func finishState(runErr error) (RunStatus, string) {
	if runErr != nil {
		return StatusFailed, runErr.Error()
	}
	return StatusCompleted, ""
}
