package trajectory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvandessel/phenosim/internal/models"
)

func TestWriterReader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "traj-000.bin")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pops := []*models.Population{
		samplePopulation(),
		{Environment: 0, StepDelta: 1, Agents: []models.Agent{{Phenotype: 1, Weights: []float64{0, 1, 0}}}},
	}
	for _, p := range pops {
		if err := w.Append(p); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if w.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", w.Frames())
	}
	wantBytes := int64(FrameSize(3, 3) + FrameSize(1, 3))
	if w.Bytes() != wantBytes {
		t.Errorf("Bytes() = %d, want %d", w.Bytes(), wantBytes)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != wantBytes {
		t.Errorf("file size = %d, want %d", info.Size(), wantBytes)
	}

	got, err := ReadAll(path, 3, 2)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != len(pops) {
		t.Fatalf("ReadAll() returned %d frames, want %d", len(got), len(pops))
	}
	for i := range pops {
		if !got[i].Equal(pops[i], 1e-9) {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], pops[i])
		}
	}

	last, n, err := Last(path, 3, 2)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if n != 2 || !last.Equal(pops[1], 1e-9) {
		t.Errorf("Last() = %+v, %d", last, n)
	}
}

func TestOpenAppend_KeepsExistingFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")

	for i := 0; i < 2; i++ {
		w, err := OpenAppend(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Append(samplePopulation()); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}

	frames, err := ReadAll(path, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, want 2", len(frames))
	}
}

func TestReader_EnvironmentRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(&models.Population{Environment: 4}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	if _, err := ReadAll(path, 2, 4); !errors.Is(err, ErrSerialization) {
		t.Errorf("ReadAll() error = %v, want ErrSerialization", err)
	}
	if _, err := ReadAll(path, 2, 5); err != nil {
		t.Errorf("ReadAll() with wider range error = %v", err)
	}
}

func TestReadAll_TruncatedTailKeepsEarlierFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := w.Append(samplePopulation()); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	// Simulate a crash mid-write of a third frame.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{1, 2, 3})
	f.Close()

	frames, err := ReadAll(path, 3, 0)
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("ReadAll() error = %v, want ErrSerialization", err)
	}
	if len(frames) != 2 {
		t.Errorf("ReadAll() kept %d complete frames, want 2", len(frames))
	}
}

func TestLast_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Last(path, 2, 0); err == nil {
		t.Error("Last() on empty file = nil error, want error")
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(samplePopulation(), 3)
	if s.Agents != 3 || s.Environment != 1 || s.StepDelta != -2 {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.PhenotypeCounts[0] != 1 || s.PhenotypeCounts[1] != 1 || s.PhenotypeCounts[2] != 1 {
		t.Errorf("PhenotypeCounts = %v", s.PhenotypeCounts)
	}
	if s.Dominant() != 0 {
		t.Errorf("Dominant() = %d, want 0 on a tie", s.Dominant())
	}
	if (Summary{PhenotypeCounts: []int{0, 0}}).Dominant() != -1 {
		t.Error("Dominant() of an empty frame should be -1")
	}
}
