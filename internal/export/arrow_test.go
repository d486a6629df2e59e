package export

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/phenosim/internal/models"
	"github.com/nvandessel/phenosim/internal/trajectory"
)

func testFrames() []*models.Population {
	return []*models.Population{
		{
			Environment: 0,
			StepDelta:   0,
			Agents: []models.Agent{
				{Phenotype: 0, Weights: []float64{0.5, 0.5}},
				{Phenotype: 1, Weights: []float64{0.25, 0.75}},
			},
		},
		{Environment: 1, StepDelta: -2},
		{
			Environment: 1,
			StepDelta:   1,
			Agents: []models.Agent{
				{Phenotype: 1, Weights: []float64{0.1, 0.9}},
			},
		},
	}
}

func writeTrajectory(t *testing.T, frames []*models.Population) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traj-000.bin")
	w, err := trajectory.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, pop := range frames {
		if err := w.Append(pop); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile_RoundTrip(t *testing.T) {
	frames := testFrames()
	src := writeTrajectory(t, frames)
	dst := filepath.Join(t.TempDir(), "out", "traj-000.arrow")

	stats, err := File(context.Background(), src, dst, 2, 2)
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	if stats.Frames != 3 || stats.Rows != 3 {
		t.Errorf("stats = %+v, want 3 frames 3 rows", stats)
	}

	f, err := os.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		t.Fatalf("NewFileReader() error = %v", err)
	}
	defer fr.Close()

	if !fr.Schema().Equal(Schema()) {
		t.Errorf("schema = %v, want %v", fr.Schema(), Schema())
	}
	if fr.NumRecords() != len(frames) {
		t.Fatalf("NumRecords() = %d, want %d", fr.NumRecords(), len(frames))
	}

	for i, pop := range frames {
		rec, err := fr.Record(i)
		if err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
		if int(rec.NumRows()) != pop.Len() {
			t.Fatalf("frame %d rows = %d, want %d", i, rec.NumRows(), pop.Len())
		}

		frameCol := rec.Column(colFrame).(*array.Int64)
		envCol := rec.Column(colEnvironment).(*array.Int32)
		deltaCol := rec.Column(colStepDelta).(*array.Int32)
		agentCol := rec.Column(colAgent).(*array.Int64)
		pheCol := rec.Column(colPhenotype).(*array.Int32)
		weightsCol := rec.Column(colWeights).(*array.List)
		values := weightsCol.ListValues().(*array.Float64)

		for j, a := range pop.Agents {
			if frameCol.Value(j) != int64(i) || agentCol.Value(j) != int64(j) {
				t.Errorf("frame %d row %d: frame=%d agent=%d", i, j, frameCol.Value(j), agentCol.Value(j))
			}
			if int(envCol.Value(j)) != pop.Environment || deltaCol.Value(j) != pop.StepDelta {
				t.Errorf("frame %d row %d: env=%d delta=%d", i, j, envCol.Value(j), deltaCol.Value(j))
			}
			if int(pheCol.Value(j)) != a.Phenotype {
				t.Errorf("frame %d row %d: phenotype=%d, want %d", i, j, pheCol.Value(j), a.Phenotype)
			}
			start, end := weightsCol.ValueOffsets(j)
			if int(end-start) != len(a.Weights) {
				t.Fatalf("frame %d row %d: %d weights, want %d", i, j, end-start, len(a.Weights))
			}
			for k := start; k < end; k++ {
				if got, want := values.Value(int(k)), a.Weights[k-start]; got != want {
					t.Errorf("frame %d row %d weight %d = %v, want %v", i, j, k-start, got, want)
				}
			}
		}
	}
}

func TestFile_CorruptSourceLeavesNoOutput(t *testing.T) {
	src := writeTrajectory(t, testFrames())
	info, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(src, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	dst := filepath.Join(dir, "out.arrow")
	_, err = File(context.Background(), src, dst, 2, 2)
	if !errors.Is(err, trajectory.ErrSerialization) {
		t.Fatalf("File() error = %v, want ErrSerialization", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("output directory not empty after failed export: %v", entries)
	}
}

func TestFile_MissingSource(t *testing.T) {
	_, err := File(context.Background(), filepath.Join(t.TempDir(), "nope.bin"), filepath.Join(t.TempDir(), "x.arrow"), 2, 2)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("File() error = %v, want os.ErrNotExist", err)
	}
}

func TestWrite_ContextCancelled(t *testing.T) {
	src := writeTrajectory(t, testFrames())
	r, err := trajectory.Open(src, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, err := os.Create(filepath.Join(t.TempDir(), "x.arrow"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	stats, err := Write(ctx, r, f)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
	if stats.Frames != 0 {
		t.Errorf("Frames = %d, want 0", stats.Frames)
	}
}

// sliceSource yields a fixed list of frames.
type sliceSource []*models.Population

func (s *sliceSource) Next() (*models.Population, error) {
	if len(*s) == 0 {
		return nil, io.EOF
	}
	pop := (*s)[0]
	*s = (*s)[1:]
	return pop, nil
}

func TestWrite_ToFile(t *testing.T) {
	frames := testFrames()
	src := sliceSource(frames)

	f, err := os.CreateTemp(t.TempDir(), "frames-*.arrow")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	stats, err := Write(context.Background(), &src, f)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if stats.Frames != len(frames) || stats.Rows != 3 {
		t.Errorf("stats = %+v, want %d frames 3 rows", stats, len(frames))
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		t.Fatalf("NewFileReader() error = %v", err)
	}
	defer fr.Close()

	if fr.NumRecords() != len(frames) {
		t.Fatalf("NumRecords() = %d, want %d", fr.NumRecords(), len(frames))
	}
	for i, pop := range frames {
		rec, err := fr.Record(i)
		if err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
		if int(rec.NumRows()) != pop.Len() {
			t.Errorf("frame %d rows = %d, want %d", i, rec.NumRows(), pop.Len())
		}
	}
}
