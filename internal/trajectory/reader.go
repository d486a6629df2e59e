package trajectory

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nvandessel/phenosim/internal/models"
)

// Reader streams frames from a trajectory.
type Reader struct {
	r      io.Reader
	closer io.Closer
	nPhe   int
	nEnv   int
	frames int
}

// NewReader reads frames from r. nPhe is required; when nEnv is positive
// each frame's environment is also checked against it.
func NewReader(r io.Reader, nPhe, nEnv int) *Reader {
	return &Reader{r: r, nPhe: nPhe, nEnv: nEnv}
}

// Open opens the trajectory file at path.
func Open(path string, nPhe, nEnv int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory file: %w", err)
	}
	rd := NewReader(bufio.NewReader(f), nPhe, nEnv)
	rd.closer = f
	return rd, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (*models.Population, error) {
	pop, err := ReadFrame(r.r, r.nPhe)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame %d: %w", r.frames, err)
	}
	if r.nEnv > 0 && pop.Environment >= r.nEnv {
		return nil, fmt.Errorf("frame %d: %w: environment %d out of range [0, %d)",
			r.frames, ErrSerialization, pop.Environment, r.nEnv)
	}
	r.frames++
	return pop, nil
}

// Frames returns the number of frames read so far.
func (r *Reader) Frames() int { return r.frames }

// Close closes the underlying file, if Open created one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// ReadAll reads every frame of the trajectory file at path.
func ReadAll(path string, nPhe, nEnv int) ([]*models.Population, error) {
	rd, err := Open(path, nPhe, nEnv)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var frames []*models.Population
	for {
		pop, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, pop)
	}
}

// Last returns the final frame of the trajectory file at path and the
// number of frames in it. It fails if the file holds no frames.
func Last(path string, nPhe, nEnv int) (*models.Population, int, error) {
	rd, err := Open(path, nPhe, nEnv)
	if err != nil {
		return nil, 0, err
	}
	defer rd.Close()

	var last *models.Population
	for {
		pop, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rd.Frames(), err
		}
		last = pop
	}
	if last == nil {
		return nil, 0, fmt.Errorf("trajectory file %s holds no frames", path)
	}
	return last, rd.Frames(), nil
}
