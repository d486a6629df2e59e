package models

import (
	"fmt"
	"slices"
)

// Population is one snapshot of the simulated system.
type Population struct {
	// Environment is the index of the current environment state.
	Environment int `json:"environment"`

	// Agents is an unordered bag. Removal swaps the last agent into the
	// vacated slot, so positions are not stable across removals.
	Agents []Agent `json:"agents"`

	// StepDelta is reproductions minus deaths during the last completed
	// step. Capacity trimming does not change it.
	StepDelta int32 `json:"step_delta"`
}

// Len returns the number of agents.
func (p *Population) Len() int {
	return len(p.Agents)
}

// Clone returns a deep copy of the population.
func (p *Population) Clone() *Population {
	out := &Population{
		Environment: p.Environment,
		StepDelta:   p.StepDelta,
		Agents:      make([]Agent, len(p.Agents)),
	}
	for i, a := range p.Agents {
		out.Agents[i] = Agent{Phenotype: a.Phenotype, Weights: slices.Clone(a.Weights)}
	}
	return out
}

// RemoveDescending removes the agents at the given indices using
// swap-with-last removal. The indices are sorted in place, highest first,
// so that every not-yet-processed index still refers to the agent it was
// collected for. It returns the number of agents removed.
//
// Indices must be distinct and in range; otherwise nothing is removed.
func (p *Population) RemoveDescending(indices []int) (int, error) {
	slices.SortFunc(indices, func(a, b int) int { return b - a })

	n := len(p.Agents)
	for i, idx := range indices {
		if idx < 0 || idx >= n {
			return 0, fmt.Errorf("remove index %d out of range [0, %d)", idx, n)
		}
		if i > 0 && indices[i-1] == idx {
			return 0, fmt.Errorf("duplicate remove index %d", idx)
		}
	}

	for _, idx := range indices {
		last := len(p.Agents) - 1
		p.Agents[idx] = p.Agents[last]
		p.Agents[last] = Agent{}
		p.Agents = p.Agents[:last]
	}
	return len(indices), nil
}

// PhenotypeCounts returns the number of agents per phenotype. Agents with
// a phenotype outside [0, nPhe) are not counted.
func (p *Population) PhenotypeCounts(nPhe int) []int {
	counts := make([]int, nPhe)
	for _, a := range p.Agents {
		if a.Phenotype >= 0 && a.Phenotype < nPhe {
			counts[a.Phenotype]++
		}
	}
	return counts
}

// MeanWeights returns the component-wise mean of the agents' inheritance
// weights. It is all zeros for an empty population.
func (p *Population) MeanWeights(nPhe int) []float64 {
	mean := make([]float64, nPhe)
	if len(p.Agents) == 0 {
		return mean
	}
	for _, a := range p.Agents {
		for i := 0; i < nPhe && i < len(a.Weights); i++ {
			mean[i] += a.Weights[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(p.Agents))
	}
	return mean
}

// Equal reports whether p and other hold the same environment, the same
// step delta and the same multiset of agents, comparing weights within tol.
func (p *Population) Equal(other *Population, tol float64) bool {
	if p.Environment != other.Environment || p.StepDelta != other.StepDelta {
		return false
	}
	if len(p.Agents) != len(other.Agents) {
		return false
	}

	used := make([]bool, len(other.Agents))
	for _, a := range p.Agents {
		found := false
		for j, b := range other.Agents {
			if !used[j] && a.Equal(b, tol) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
