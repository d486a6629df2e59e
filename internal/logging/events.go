package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventsFileName is the JSONL file written by EventLogger.
const EventsFileName = "events.jsonl"

// Event kinds, stored in the "event" field of each line.
const (
	KindStep  = "step"
	KindFrame = "frame"
)

// StepEvent describes one completed simulation step.
type StepEvent struct {
	Step        uint64 `json:"step"`
	Environment int    `json:"environment"`
	Births      int    `json:"births"`
	Deaths      int    `json:"deaths"`
	Trimmed     int    `json:"trimmed"`
	Agents      int    `json:"agents"`
}

// FrameEvent describes one frame appended to a trajectory file.
type FrameEvent struct {
	Index       int    `json:"index"`
	Step        uint64 `json:"step"`
	Environment int    `json:"environment"`
	Agents      int    `json:"agents"`
	StepDelta   int32  `json:"step_delta"`
}

type header struct {
	Time string `json:"time"`
	Kind string `json:"event"`
}

// EventLogger appends step and frame events to events.jsonl. Frame events
// are always kept; step events only at trace level. Lines are buffered and
// flushed at every frame and on Close.
//
// A nil *EventLogger discards everything.
type EventLogger struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	steps bool
	now   func() time.Time
}

// NewEventLogger opens dir/events.jsonl for append. At info level it
// returns nil and creates nothing.
func NewEventLogger(dir, level string) (*EventLogger, error) {
	lvl := ParseLevel(level)
	if lvl >= slog.LevelInfo {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &EventLogger{
		file:  f,
		buf:   bufio.NewWriter(f),
		steps: lvl <= LevelTrace,
		now:   time.Now,
	}, nil
}

// Step records ev if step events are enabled.
func (el *EventLogger) Step(ev StepEvent) {
	if el == nil || !el.steps {
		return
	}
	el.write(struct {
		header
		StepEvent
	}{el.header(KindStep), ev}, false)
}

// Frame records ev and flushes buffered lines.
func (el *EventLogger) Frame(ev FrameEvent) {
	if el == nil {
		return
	}
	el.write(struct {
		header
		FrameEvent
	}{el.header(KindFrame), ev}, true)
}

func (el *EventLogger) header(kind string) header {
	return header{Time: el.now().UTC().Format(time.RFC3339Nano), Kind: kind}
}

func (el *EventLogger) write(v any, flush bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	el.buf.Write(append(data, '\n'))
	if flush {
		el.buf.Flush()
	}
}

// Close flushes and closes the file. It is safe to call more than once.
func (el *EventLogger) Close() error {
	if el == nil {
		return nil
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return nil
	}

	err := el.buf.Flush()
	if cerr := el.file.Close(); err == nil {
		err = cerr
	}
	el.file = nil
	return err
}
