package trajectory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvandessel/phenosim/internal/models"
)

// Writer appends frames to a trajectory file. Each Append is flushed
// before it returns, so frames written before a failure stay readable.
type Writer struct {
	path   string
	f      *os.File
	bw     *bufio.Writer
	frames int
	bytes  int64
}

// Create creates or truncates the trajectory file at path.
func Create(path string) (*Writer, error) {
	return open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// OpenAppend opens the trajectory file at path for appending, creating it
// if needed.
func OpenAppend(path string) (*Writer, error) {
	return open(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func open(path string, flag int) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating trajectory directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory file: %w", err)
	}
	return &Writer{path: path, f: f, bw: bufio.NewWriter(f)}, nil
}

// Append writes pop as one frame and flushes it to the file.
func (w *Writer) Append(pop *models.Population) error {
	if err := WriteFrame(w.bw, pop); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("%w: flushing frame: %w", ErrSerialization, err)
	}

	nPhe := 0
	if len(pop.Agents) > 0 {
		nPhe = len(pop.Agents[0].Weights)
	}
	w.frames++
	w.bytes += int64(FrameSize(len(pop.Agents), nPhe))
	return nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Frames returns the number of frames appended through w.
func (w *Writer) Frames() int { return w.frames }

// Bytes returns the number of bytes appended through w.
func (w *Writer) Bytes() int64 { return w.bytes }

// Close flushes and closes the file. Safe to call more than once.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	flushErr := w.bw.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return fmt.Errorf("flushing trajectory file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing trajectory file: %w", closeErr)
	}
	return nil
}
