// Package sim runs the population simulation: environment transitions,
// stochastic reproduction and death, inherited mutation of phenotype
// weights, and capping of the population size.
//
// The engine is single-threaded and owns its random stream. Every draw is
// taken in a fixed order, so a seed and a parameter set determine the
// trajectory exactly.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvandessel/phenosim/internal/logging"
	"github.com/nvandessel/phenosim/internal/models"
	"github.com/nvandessel/phenosim/internal/params"
	"github.com/nvandessel/phenosim/internal/trajectory"
)

// FrameSink receives the frames of a run.
type FrameSink interface {
	Append(pop *models.Population) error
}

// StepStats counts what happened during one step.
type StepStats struct {
	Environment int `json:"environment"`
	Births      int `json:"births"`
	Deaths      int `json:"deaths"`
	Trimmed     int `json:"trimmed"`
}

// Engine owns the population snapshot, the parameters and the random
// stream of one simulation.
type Engine struct {
	par     *params.Params
	src     Source
	pop     *models.Population
	mutDist LogNormal

	observer Observer
	events   *logging.EventLogger
	logger   *slog.Logger

	steps uint64
	last  StepStats

	// Scratch buffers, cleared at the start of every use.
	repDist   []Bernoulli
	decDist   []Bernoulli
	repIdx    []int
	decIdx    []int
	allIdx    []int
	offspring []models.Agent
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the observer notified after each frame of a run.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithEventLogger records one event per step and per frame.
func WithEventLogger(el *logging.EventLogger) Option {
	return func(e *Engine) { e.events = el }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine for validated parameters p drawing from src. The
// population is empty until Initialize or SetPopulation is called.
func New(p *params.Params, src Source, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("parameters are required")
	}
	if src == nil {
		return nil, errors.New("random source is required")
	}

	mutDist, err := NewLogNormal(0, p.StdDevMut)
	if err != nil {
		return nil, fmt.Errorf("mutation distribution: %w", err)
	}

	e := &Engine{
		par:       p,
		src:       src,
		pop:       &models.Population{},
		mutDist:   mutDist,
		logger:    logging.Discard(),
		repDist:   make([]Bernoulli, p.NPhe),
		decDist:   make([]Bernoulli, p.NPhe),
		repIdx:    make([]int, 0, p.NAgtInit),
		decIdx:    make([]int, 0, p.NAgtInit),
		allIdx:    make([]int, 0, 2*p.NAgtInit),
		offspring: make([]models.Agent, 0, p.NAgtInit),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the engine's parameters.
func (e *Engine) Params() *params.Params { return e.par }

// Population returns the current snapshot. The engine keeps ownership;
// callers must not modify it or hold it across a Step.
func (e *Engine) Population() *models.Population { return e.pop }

// Steps returns the number of steps completed.
func (e *Engine) Steps() uint64 { return e.steps }

// LastStep returns the counts of the most recent completed step.
func (e *Engine) LastStep() StepStats { return e.last }

// Initialize draws the starting environment uniformly and creates
// NAgtInit agents with uniformly drawn phenotypes and uniform weights.
func (e *Engine) Initialize() error {
	nPhe := e.par.NPhe
	env := e.src.IntN(e.par.NEnv)

	agents := make([]models.Agent, 0, e.par.NAgtInit)
	for i := 0; i < e.par.NAgtInit; i++ {
		phe := e.src.IntN(nPhe)
		agt, err := models.NewAgent(phe, models.UniformWeights(nPhe), nPhe)
		if err != nil {
			return fmt.Errorf("initial agent %d: %w", i, err)
		}
		agents = append(agents, agt)
	}

	e.pop = &models.Population{Environment: env, Agents: agents}
	e.steps = 0
	e.last = StepStats{Environment: env}
	return nil
}

// SetPopulation replaces the snapshot, re-validating the environment and
// every agent. The engine takes ownership of pop.
func (e *Engine) SetPopulation(pop *models.Population) error {
	if pop.Environment < 0 || pop.Environment >= e.par.NEnv {
		return fmt.Errorf("environment %d out of range [0, %d)", pop.Environment, e.par.NEnv)
	}
	for i, a := range pop.Agents {
		if _, err := models.NewAgent(a.Phenotype, a.Weights, e.par.NPhe); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
	}
	e.pop = pop
	return nil
}

// Step advances the population by one step. If it returns an error the
// snapshot is unchanged, although the random stream has advanced.
func (e *Engine) Step() error {
	pop := e.pop
	nPhe := e.par.NPhe

	// Environment transition.
	envDist, err := NewCategorical(e.par.ProbEnv[pop.Environment])
	if err != nil {
		return fmt.Errorf("environment transition from %d: %w", pop.Environment, err)
	}
	env := envDist.Sample(e.src)

	// Birth and death pressure follow the environment just entered.
	for phe := 0; phe < nPhe; phe++ {
		if e.repDist[phe], err = NewBernoulli(e.par.ProbRep[phe][env]); err != nil {
			return fmt.Errorf("reproduction of phenotype %d in environment %d: %w", phe, env, err)
		}
		if e.decDist[phe], err = NewBernoulli(e.par.ProbDec[phe][env]); err != nil {
			return fmt.Errorf("death of phenotype %d in environment %d: %w", phe, env, err)
		}
	}

	// Selection.
	e.repIdx = e.repIdx[:0]
	e.decIdx = e.decIdx[:0]
	for i, agt := range pop.Agents {
		if e.repDist[agt.Phenotype].Sample(e.src) {
			e.repIdx = append(e.repIdx, i)
		}
		if e.decDist[agt.Phenotype].Sample(e.src) {
			e.decIdx = append(e.decIdx, i)
		}
	}

	// Reproduction with mutation. Offspring are staged until every one of
	// them has been built.
	e.offspring = e.offspring[:0]
	for _, i := range e.repIdx {
		child, err := e.reproduce(pop.Agents[i])
		if err != nil {
			return fmt.Errorf("offspring of agent %d: %w", i, err)
		}
		e.offspring = append(e.offspring, child)
	}

	// Nothing below can fail for indices collected above.
	pop.Environment = env
	pop.StepDelta = 0

	pop.Agents = append(pop.Agents, e.offspring...)
	pop.StepDelta += int32(len(e.offspring))

	// Death indices refer to pre-reproduction positions, which appending
	// leaves intact.
	deaths, err := pop.RemoveDescending(e.decIdx)
	if err != nil {
		return fmt.Errorf("removing dead agents: %w", err)
	}
	pop.StepDelta -= int32(deaths)

	// Capacity trimming leaves StepDelta alone.
	trimmed := 0
	if n := pop.Len(); n > e.par.NAgtInit {
		e.allIdx = sampleDistinct(e.src, e.allIdx, n, n-e.par.NAgtInit)
		if trimmed, err = pop.RemoveDescending(e.allIdx); err != nil {
			return fmt.Errorf("trimming population: %w", err)
		}
	}

	e.steps++
	e.last = StepStats{
		Environment: env,
		Births:      len(e.offspring),
		Deaths:      deaths,
		Trimmed:     trimmed,
	}
	e.events.Step(logging.StepEvent{
		Step:        e.steps,
		Environment: env,
		Births:      e.last.Births,
		Deaths:      deaths,
		Trimmed:     trimmed,
		Agents:      pop.Len(),
	})
	return nil
}

// reproduce builds the offspring of parent: its phenotype is drawn from
// the parent's weights, and its weights are the parent's scaled by one
// log-normal draw per component and renormalised.
func (e *Engine) reproduce(parent models.Agent) (models.Agent, error) {
	pheDist, err := NewCategorical(parent.Weights)
	if err != nil {
		return models.Agent{}, fmt.Errorf("offspring phenotype: %w", err)
	}
	phe := pheDist.Sample(e.src)

	weights := make([]float64, len(parent.Weights))
	var norm float64
	for i, w := range parent.Weights {
		weights[i] = w * e.mutDist.Sample(e.src)
		norm += weights[i]
	}
	for i := range weights {
		weights[i] /= norm
	}

	return models.NewAgent(phe, weights, e.par.NPhe)
}

// RunTo performs SavesPerFile batches of StepsPerSave steps and appends
// the population to sink after each batch. It stops at the first error;
// frames already appended are left in place. ctx is checked between
// batches.
func (e *Engine) RunTo(ctx context.Context, sink FrameSink) error {
	total := e.par.SavesPerFile
	e.logger.Debug("run started",
		"frames", total,
		"steps_per_frame", e.par.StepsPerSave,
		"agents", e.pop.Len(),
		"environment", e.pop.Environment)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run stopped after %d of %d frames: %w", i, total, err)
		}

		for s := 0; s < e.par.StepsPerSave; s++ {
			if err := e.Step(); err != nil {
				return fmt.Errorf("step %d: %w", e.steps+1, err)
			}
		}

		if err := sink.Append(e.pop); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}

		summary := trajectory.Summarize(e.pop, e.par.NPhe)
		e.events.Frame(logging.FrameEvent{
			Index:       i,
			Step:        e.steps,
			Environment: summary.Environment,
			Agents:      summary.Agents,
			StepDelta:   summary.StepDelta,
		})
		if e.observer != nil {
			e.observer.OnFrame(FrameInfo{Index: i, Total: total, Step: e.steps, Summary: summary})
		}
	}

	e.logger.Debug("run finished", "steps", e.steps, "agents", e.pop.Len())
	return nil
}

// Run writes a fresh trajectory file at path: it creates or truncates the
// file and calls RunTo.
func (e *Engine) Run(ctx context.Context, path string) error {
	w, err := trajectory.Create(path)
	if err != nil {
		return err
	}

	runErr := e.RunTo(ctx, w)
	closeErr := w.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}
