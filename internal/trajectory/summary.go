package trajectory

import "github.com/nvandessel/phenosim/internal/models"

// Summary is a compact description of one frame.
type Summary struct {
	Environment     int       `json:"environment"`
	Agents          int       `json:"agents"`
	StepDelta       int32     `json:"step_delta"`
	PhenotypeCounts []int     `json:"phenotype_counts"`
	MeanWeights     []float64 `json:"mean_weights"`
}

// Summarize computes the Summary of pop.
func Summarize(pop *models.Population, nPhe int) Summary {
	return Summary{
		Environment:     pop.Environment,
		Agents:          pop.Len(),
		StepDelta:       pop.StepDelta,
		PhenotypeCounts: pop.PhenotypeCounts(nPhe),
		MeanWeights:     pop.MeanWeights(nPhe),
	}
}

// Dominant returns the phenotype with the most agents, or -1 when the
// frame is empty. Ties go to the lowest phenotype.
func (s Summary) Dominant() int {
	best, bestCount := -1, 0
	for phe, n := range s.PhenotypeCounts {
		if n > bestCount {
			best, bestCount = phe, n
		}
	}
	return best
}
