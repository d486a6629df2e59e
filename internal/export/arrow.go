// Package export converts trajectory files to Apache Arrow IPC files with
// one row per agent per frame and one record batch per frame.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/phenosim/internal/models"
	"github.com/nvandessel/phenosim/internal/trajectory"
)

// Column positions in Schema.
const (
	colFrame = iota
	colEnvironment
	colStepDelta
	colAgent
	colPhenotype
	colWeights
)

// Schema returns the schema of exported record batches.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "frame", Type: arrow.PrimitiveTypes.Int64},
		{Name: "environment", Type: arrow.PrimitiveTypes.Int32},
		{Name: "step_delta", Type: arrow.PrimitiveTypes.Int32},
		{Name: "agent", Type: arrow.PrimitiveTypes.Int64},
		{Name: "phenotype", Type: arrow.PrimitiveTypes.Int32},
		{Name: "weights", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)
}

// Stats reports what an export wrote.
type Stats struct {
	Frames int   `json:"frames"`
	Rows   int64 `json:"rows"`
}

// FrameSource yields populations until io.EOF. *trajectory.Reader
// satisfies it.
type FrameSource interface {
	Next() (*models.Population, error)
}

// Write converts every frame from src into one record batch written to w.
// The IPC file footer needs a seekable sink. ctx is checked between frames.
func Write(ctx context.Context, src FrameSource, w io.WriteSeeker) (Stats, error) {
	var stats Stats
	mem := memory.NewGoAllocator()
	schema := Schema()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return stats, fmt.Errorf("creating arrow writer: %w", err)
	}

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for {
		if err := ctx.Err(); err != nil {
			fw.Close()
			return stats, err
		}

		pop, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fw.Close()
			return stats, fmt.Errorf("reading frame %d: %w", stats.Frames, err)
		}

		appendFrame(b, int64(stats.Frames), pop)
		rec := b.NewRecord()
		err = fw.Write(rec)
		rec.Release()
		if err != nil {
			fw.Close()
			return stats, fmt.Errorf("writing frame %d: %w", stats.Frames, err)
		}

		stats.Frames++
		stats.Rows += int64(pop.Len())
	}

	if err := fw.Close(); err != nil {
		return stats, fmt.Errorf("closing arrow writer: %w", err)
	}
	return stats, nil
}

func appendFrame(b *array.RecordBuilder, frame int64, pop *models.Population) {
	frameB := b.Field(colFrame).(*array.Int64Builder)
	envB := b.Field(colEnvironment).(*array.Int32Builder)
	deltaB := b.Field(colStepDelta).(*array.Int32Builder)
	agentB := b.Field(colAgent).(*array.Int64Builder)
	pheB := b.Field(colPhenotype).(*array.Int32Builder)
	weightsB := b.Field(colWeights).(*array.ListBuilder)
	valuesB := weightsB.ValueBuilder().(*array.Float64Builder)

	n := pop.Len()
	frameB.Reserve(n)
	envB.Reserve(n)
	deltaB.Reserve(n)
	agentB.Reserve(n)
	pheB.Reserve(n)

	for i, a := range pop.Agents {
		frameB.UnsafeAppend(frame)
		envB.UnsafeAppend(int32(pop.Environment))
		deltaB.UnsafeAppend(pop.StepDelta)
		agentB.UnsafeAppend(int64(i))
		pheB.UnsafeAppend(int32(a.Phenotype))
		weightsB.Append(true)
		valuesB.AppendValues(a.Weights, nil)
	}
}

// File exports the trajectory at src to an Arrow IPC file at dst. The
// destination is written to a temporary file and renamed into place, so
// a failed export leaves no partial file.
func File(ctx context.Context, src, dst string, nPhe, nEnv int) (Stats, error) {
	r, err := trajectory.Open(src, nPhe, nEnv)
	if err != nil {
		return Stats{}, err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Stats{}, fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return Stats{}, fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	stats, err := Write(ctx, r, tmp)
	if err != nil {
		tmp.Close()
		return stats, err
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("closing output file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return stats, fmt.Errorf("renaming output file: %w", err)
	}
	return stats, nil
}
