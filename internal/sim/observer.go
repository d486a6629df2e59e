package sim

import (
	"log/slog"
	"math"

	"github.com/nvandessel/phenosim/internal/trajectory"
)

// FrameInfo describes a frame just written by a run.
type FrameInfo struct {
	// Index is the zero-based frame number within the run.
	Index int
	// Total is the number of frames the run will write.
	Total int
	// Step is the number of steps the engine has completed.
	Step uint64
	// Summary describes the population that was written.
	Summary trajectory.Summary
}

// Observer is notified after every frame a run writes.
type Observer interface {
	OnFrame(FrameInfo)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(FrameInfo)

// OnFrame calls f.
func (f ObserverFunc) OnFrame(fi FrameInfo) { f(fi) }

// MultiObserver notifies each observer in order. Nil entries are skipped.
type MultiObserver []Observer

// OnFrame fans fi out to every observer.
func (m MultiObserver) OnFrame(fi FrameInfo) {
	for _, o := range m {
		if o != nil {
			o.OnFrame(fi)
		}
	}
}

// NewProgressLogger reports run progress at info level, one line per frame.
func NewProgressLogger(logger *slog.Logger) Observer {
	return ObserverFunc(func(fi FrameInfo) {
		pct := 100.0
		if fi.Total > 0 {
			pct = 100.0 * float64(fi.Index+1) / float64(fi.Total)
		}
		logger.Info("progress",
			"frame", fi.Index+1,
			"of", fi.Total,
			"percent", math.Round(pct*100)/100,
			"step", fi.Step,
			"environment", fi.Summary.Environment,
			"agents", fi.Summary.Agents,
			"step_delta", fi.Summary.StepDelta,
		)
	})
}
