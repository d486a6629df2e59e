// Package params loads and validates the model parameters of a simulation
// run. A *Params that passed Validate satisfies every shape, range and
// stochasticity requirement the engine relies on.
package params

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Bounds for the integer parameters. Upper bounds are exclusive.
const (
	MaxCategories = 1024
	MaxAgents     = 1 << 24
	MaxBatch      = 1 << 30
)

// RowSumTolerance is the allowed distance from 1.0 of a row-stochastic
// matrix row.
const RowSumTolerance = 1e-6

// DefaultFileName is the parameter file looked up in the project root.
const DefaultFileName = "parameters.yaml"

// Params holds the model parameters.
//
// ProbRep and ProbDec are indexed [phenotype][environment]; each entry is
// an independent Bernoulli probability. ProbEnv is indexed [from][to].
type Params struct {
	NEnv int `json:"n_env" yaml:"n_env"`
	NPhe int `json:"n_phe" yaml:"n_phe"`

	ProbEnv [][]float64 `json:"prob_env" yaml:"prob_env,flow"`
	ProbRep [][]float64 `json:"prob_rep" yaml:"prob_rep,flow"`
	ProbDec [][]float64 `json:"prob_dec" yaml:"prob_dec,flow"`

	// NAgtInit is both the initial population size and the population cap.
	NAgtInit int `json:"n_agt_init" yaml:"n_agt_init"`

	// StdDevMut is the log-space standard deviation of the multiplicative
	// mutation noise applied to inherited weights.
	StdDevMut float64 `json:"std_dev_mut" yaml:"std_dev_mut"`

	StepsPerSave int `json:"steps_per_save" yaml:"steps_per_save"`
	SavesPerFile int `json:"saves_per_file" yaml:"saves_per_file"`

	// Seed seeds the run's random stream. Runs with equal parameters and
	// seed produce identical trajectories.
	Seed uint64 `json:"seed" yaml:"seed"`
}

// Default returns a small valid parameter set: two environments that tend
// to persist and two phenotypes, each favoured in one environment.
func Default() *Params {
	return &Params{
		NEnv: 2,
		NPhe: 2,
		ProbEnv: [][]float64{
			{0.99, 0.01},
			{0.01, 0.99},
		},
		ProbRep: [][]float64{
			{0.04, 0.01},
			{0.01, 0.04},
		},
		ProbDec: [][]float64{
			{0.01, 0.02},
			{0.02, 0.01},
		},
		NAgtInit:     1000,
		StdDevMut:    0.01,
		StepsPerSave: 100,
		SavesPerFile: 100,
		Seed:         0,
	}
}

// Parse decodes YAML parameters and validates them. Unknown keys are
// rejected.
func Parse(data []byte) (*Params, error) {
	p := &Params{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing parameters: document is empty")
		}
		return nil, fmt.Errorf("parsing parameters: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFromFile reads, decodes and validates a YAML parameter file.
func LoadFromFile(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameter file: %w", err)
	}
	return Parse(data)
}

// Save writes the parameters to path as YAML.
func (p *Params) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating parameter directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing parameter file: %w", err)
	}
	return nil
}

// Hash returns a stable hex SHA-256 of the YAML encoding of p.
func (p *Params) Hash() (string, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling parameters: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of p.
func (p *Params) Clone() *Params {
	out := *p
	out.ProbEnv = cloneMatrix(p.ProbEnv)
	out.ProbRep = cloneMatrix(p.ProbRep)
	out.ProbDec = cloneMatrix(p.ProbDec)
	return &out
}

// ApplyEnvOverrides applies PHENOSIM_* environment variable overrides.
// Values that do not parse are ignored. Callers must Validate afterwards.
func (p *Params) ApplyEnvOverrides() {
	if v := os.Getenv("PHENOSIM_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.Seed = n
		}
	}
	if v := os.Getenv("PHENOSIM_STEPS_PER_SAVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.StepsPerSave = n
		}
	}
	if v := os.Getenv("PHENOSIM_SAVES_PER_FILE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.SavesPerFile = n
		}
	}
}

func cloneMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
