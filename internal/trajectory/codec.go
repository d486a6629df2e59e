// Package trajectory reads and writes trajectory files: zero or more
// binary population frames concatenated with no separators.
//
// Frame layout, little-endian:
//
//	environment  platform-width unsigned integer
//	agent count  uint64
//	per agent    phenotype (platform-width unsigned), n_phe float64 weights
//	step delta   int32
//
// n_phe is not stored; readers get it from the run's parameters.
package trajectory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/nvandessel/phenosim/internal/models"
)

// WordSize is the byte width of platform-width integers in a frame.
const WordSize = bits.UintSize / 8

// MaxFrameAgents bounds the agent count accepted from a frame header.
const MaxFrameAgents = 1 << 28

// ErrSerialization is matched by every frame read or write failure except
// a clean io.EOF at a frame boundary.
var ErrSerialization = errors.New("trajectory serialization error")

// FrameSize returns the encoded size in bytes of a frame holding nAgents
// agents with nPhe weights each.
func FrameSize(nAgents, nPhe int) int {
	return WordSize + 8 + nAgents*(WordSize+8*nPhe) + 4
}

// WriteFrame encodes pop as one frame and writes it to w in a single call.
func WriteFrame(w io.Writer, pop *models.Population) error {
	if pop.Environment < 0 {
		return fmt.Errorf("%w: negative environment %d", ErrSerialization, pop.Environment)
	}

	nPhe := 0
	if len(pop.Agents) > 0 {
		nPhe = len(pop.Agents[0].Weights)
	}

	buf := make([]byte, 0, FrameSize(len(pop.Agents), nPhe))
	buf = appendWord(buf, uint64(pop.Environment))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(pop.Agents)))

	for i, agt := range pop.Agents {
		if agt.Phenotype < 0 {
			return fmt.Errorf("%w: agent %d has negative phenotype %d", ErrSerialization, i, agt.Phenotype)
		}
		if len(agt.Weights) != nPhe {
			return fmt.Errorf("%w: agent %d has %d weights, frame uses %d", ErrSerialization, i, len(agt.Weights), nPhe)
		}
		buf = appendWord(buf, uint64(agt.Phenotype))
		for _, v := range agt.Weights {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(pop.StepDelta))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing frame: %w", ErrSerialization, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r, validating every agent against
// nPhe. It returns io.EOF, unwrapped, when r is exhausted before the first
// byte of a frame.
func ReadFrame(r io.Reader, nPhe int) (*models.Population, error) {
	if nPhe <= 0 {
		return nil, fmt.Errorf("%w: phenotype count must be positive, got %d", ErrSerialization, nPhe)
	}

	var word [8]byte
	if _, err := io.ReadFull(r, word[:WordSize]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading environment: %w", ErrSerialization, err)
	}
	env := readWord(word[:WordSize])
	if env > math.MaxInt32 {
		return nil, fmt.Errorf("%w: environment %d out of range", ErrSerialization, env)
	}

	if _, err := io.ReadFull(r, word[:8]); err != nil {
		return nil, fmt.Errorf("%w: reading agent count: %w", ErrSerialization, unexpected(err))
	}
	count := binary.LittleEndian.Uint64(word[:8])
	if count > MaxFrameAgents {
		return nil, fmt.Errorf("%w: agent count %d exceeds limit %d", ErrSerialization, count, MaxFrameAgents)
	}

	pop := &models.Population{
		Environment: int(env),
		Agents:      make([]models.Agent, 0, min(count, 1<<16)),
	}

	record := make([]byte, WordSize+8*nPhe)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return nil, fmt.Errorf("%w: reading agent %d of %d: %w", ErrSerialization, i, count, unexpected(err))
		}

		phe := readWord(record[:WordSize])
		if phe >= uint64(nPhe) {
			err := &models.AgentError{
				Field:  "phenotype",
				Reason: fmt.Sprintf("must be in [0, %d), got %d", nPhe, phe),
			}
			return nil, fmt.Errorf("%w: agent %d: %w", ErrSerialization, i, err)
		}

		weights := make([]float64, nPhe)
		for j := range weights {
			off := WordSize + 8*j
			weights[j] = math.Float64frombits(binary.LittleEndian.Uint64(record[off : off+8]))
		}

		agt, err := models.NewAgent(int(phe), weights, nPhe)
		if err != nil {
			return nil, fmt.Errorf("%w: agent %d: %w", ErrSerialization, i, err)
		}
		pop.Agents = append(pop.Agents, agt)
	}

	if _, err := io.ReadFull(r, word[:4]); err != nil {
		return nil, fmt.Errorf("%w: reading step delta: %w", ErrSerialization, unexpected(err))
	}
	pop.StepDelta = int32(binary.LittleEndian.Uint32(word[:4]))

	return pop, nil
}

func appendWord(buf []byte, v uint64) []byte {
	if WordSize == 8 {
		return binary.LittleEndian.AppendUint64(buf, v)
	}
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func readWord(b []byte) uint64 {
	if WordSize == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

// unexpected maps a clean EOF inside a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
