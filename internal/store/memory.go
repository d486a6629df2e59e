package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRunStore implements RunStore for testing and for runs that need
// no persistent registry.
type InMemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	order  []string
	frames map[string][]FrameRecord
}

// NewInMemoryRunStore creates a new in-memory store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs:   make(map[string]*Run),
		frames: make(map[string][]FrameRecord),
	}
}

// CreateRun registers a running run.
func (s *InMemoryRunStore) CreateRun(ctx context.Context, run Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.runs[run.ID]; exists {
		return "", fmt.Errorf("run already exists: %s", run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Frames = 0
	run.Status = StatusRunning
	run.Error = ""
	run.FinishedAt = nil

	s.runs[run.ID] = &run
	s.order = append(s.order, run.ID)
	return run.ID, nil
}

// RecordFrame stores a frame summary and bumps the run's frame count.
func (s *InMemoryRunStore) RecordFrame(ctx context.Context, frame FrameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[frame.RunID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, frame.RunID)
	}
	for _, f := range s.frames[frame.RunID] {
		if f.Index == frame.Index {
			return fmt.Errorf("frame %d of run %s already recorded", frame.Index, frame.RunID)
		}
	}

	frame.Summary.PhenotypeCounts = append([]int(nil), frame.Summary.PhenotypeCounts...)
	frame.Summary.MeanWeights = append([]float64(nil), frame.Summary.MeanWeights...)
	s.frames[frame.RunID] = append(s.frames[frame.RunID], frame)
	run.Frames++
	return nil
}

// FinishRun marks the run completed or failed.
func (s *InMemoryRunStore) FinishRun(ctx context.Context, id string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	now := time.Now()
	run.Status, run.Error = finishState(runErr)
	run.FinishedAt = &now
	return nil
}

// GetRun retrieves a copy of a run by ID.
func (s *InMemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns all runs, most recently started first.
func (s *InMemoryRunStore) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		runs = append(runs, *s.runs[s.order[i]])
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// ListFrames returns a run's frames in index order.
func (s *InMemoryRunStore) ListFrames(ctx context.Context, runID string) ([]FrameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frames := append([]FrameRecord(nil), s.frames[runID]...)
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames, nil
}

// Close is a no-op.
func (s *InMemoryRunStore) Close() error { return nil }

var _ RunStore = (*InMemoryRunStore)(nil)
