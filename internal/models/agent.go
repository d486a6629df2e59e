// Package models defines the agent and population types the simulation
// engine evolves and the trajectory codec persists.
package models

import (
	"errors"
	"fmt"
	"math"
)

// WeightTolerance is the maximum allowed distance between the sum of an
// agent's inheritance weights and 1.0.
const WeightTolerance = 1e-6

// ErrAgentInvalid is matched by every error returned from NewAgent.
var ErrAgentInvalid = errors.New("invalid agent")

// AgentError describes which agent check failed.
type AgentError struct {
	Field  string // "phenotype" or "weights"
	Reason string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("invalid agent: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrAgentInvalid.
func (e *AgentError) Unwrap() error {
	return ErrAgentInvalid
}

// Agent is one member of the population. Weights is the probability vector
// over phenotypes used to draw the phenotype of the agent's offspring; it
// is inherited with mutation on every reproduction.
//
// Agents are plain values. They are never modified after construction, so
// the Weights slice must not be written to by holders.
type Agent struct {
	Phenotype int       `json:"phenotype"`
	Weights   []float64 `json:"weights"`
}

// NewAgent validates phe and weights against nPhe and returns the agent.
// The agent takes ownership of weights.
func NewAgent(phe int, weights []float64, nPhe int) (Agent, error) {
	if phe < 0 || phe >= nPhe {
		return Agent{}, &AgentError{
			Field:  "phenotype",
			Reason: fmt.Sprintf("must be in [0, %d), got %d", nPhe, phe),
		}
	}
	if len(weights) != nPhe {
		return Agent{}, &AgentError{
			Field:  "weights",
			Reason: fmt.Sprintf("must have length %d, got %d", nPhe, len(weights)),
		}
	}

	var sum float64
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return Agent{}, &AgentError{
				Field:  "weights",
				Reason: fmt.Sprintf("component %d is not finite", i),
			}
		}
		if w < 0 {
			return Agent{}, &AgentError{
				Field:  "weights",
				Reason: fmt.Sprintf("component %d is negative (%g)", i, w),
			}
		}
		sum += w
	}
	// Written as a negated <= so that a NaN sum also fails.
	if !(math.Abs(sum-1.0) <= WeightTolerance) {
		return Agent{}, &AgentError{
			Field:  "weights",
			Reason: fmt.Sprintf("must sum to 1.0, got %v", sum),
		}
	}

	return Agent{Phenotype: phe, Weights: weights}, nil
}

// UniformWeights returns the uniform distribution over nPhe phenotypes.
func UniformWeights(nPhe int) []float64 {
	w := make([]float64, nPhe)
	for i := range w {
		w[i] = 1.0 / float64(nPhe)
	}
	return w
}

// Equal reports whether a and b have the same phenotype and weights that
// agree component-wise within tol.
func (a Agent) Equal(b Agent, tol float64) bool {
	if a.Phenotype != b.Phenotype || len(a.Weights) != len(b.Weights) {
		return false
	}
	for i := range a.Weights {
		if math.Abs(a.Weights[i]-b.Weights[i]) > tol {
			return false
		}
	}
	return true
}
