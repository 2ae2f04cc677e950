// Package ensemble runs independent simulations of one scenario in parallel.
// Each member works on its own deep copy of the parameters, optionally with a
// perturbed force of infection drawn from a per-member RNG stream, so results
// are identical for a given seed whatever the worker count.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hivsim/hivsim/sim"
)

// Config controls an ensemble run.
type Config struct {
	Members int // number of runs, at least 1
	Workers int // concurrent runs; <= 0 means one per member
	Seed    int64
	// ForceSpread is the standard deviation of the log-normal multiplier
	// applied to each population's Force. Zero runs every member unperturbed.
	ForceSpread float64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Members < 1 {
		return fmt.Errorf("members must be at least 1, got %d", c.Members)
	}
	if math.IsNaN(c.ForceSpread) || math.IsInf(c.ForceSpread, 0) || c.ForceSpread < 0 {
		return fmt.Errorf("force spread must be a non-negative finite number, got %f", c.ForceSpread)
	}
	return nil
}

// Member is one completed ensemble run.
type Member struct {
	Index   int
	Force   []float64 // force multipliers actually used
	Results *sim.RawResults
}

// Run executes cfg.Members simulations with at most cfg.Workers in flight.
// Members are returned in index order. The first failing member cancels
// the members not yet started and its error is returned.
func Run(ctx context.Context, space *sim.CompartmentSpace, params *sim.SimulationParameters, opts sim.Options, cfg Config) ([]Member, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("%w: simulation parameters", sim.ErrMissingInput)
	}
	if space == nil {
		space = sim.NewCompartmentSpace()
	}
	if err := params.Validate(space); err != nil {
		return nil, err
	}

	// Draws happen up front: PartitionedRNG is not safe for concurrent use.
	members := make([]Member, cfg.Members)
	inputs := make([]*sim.SimulationParameters, cfg.Members)
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))
	for i := range members {
		p := params.Clone()
		if cfg.ForceSpread > 0 {
			r := rng.ForSubsystem(sim.SubsystemMember(i))
			for k := range p.Force {
				p.Force[k] *= math.Exp(cfg.ForceSpread * r.NormFloat64())
			}
		}
		inputs[i] = p
		members[i] = Member{Index: i, Force: append([]float64(nil), p.Force...)}
	}

	workers := cfg.Workers
	if workers <= 0 || workers > cfg.Members {
		workers = cfg.Members
	}
	logrus.Infof("Starting ensemble: %d members, %d workers, seed %d, force spread %g",
		cfg.Members, workers, rng.Key(), cfg.ForceSpread)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range members {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := sim.Run(space, inputs[i], opts)
			if err != nil {
				return fmt.Errorf("member %d: %w", i, err)
			}
			members[i].Results = res
			logrus.Debugf("ensemble member %d done (%d anomalies)", i, res.Trace.Len())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logrus.Infof("Ensemble complete: %d members", cfg.Members)
	return members, nil
}

// Envelope is the per-timestep spread of one annualized total across
// ensemble members.
type Envelope struct {
	Mean []float64 `json:"mean" yaml:"mean"`
	Low  []float64 `json:"low" yaml:"low"`   // lower quantile
	High []float64 `json:"high" yaml:"high"` // upper quantile
}

// Spread summarizes a total selected from each member's Totals by the
// mean and the [q, 1-q] empirical quantiles at every timestep.
func Spread(members []Member, space *sim.CompartmentSpace, q float64, pick func(sim.Totals) []float64) (Envelope, error) {
	if len(members) == 0 {
		return Envelope{}, fmt.Errorf("no members to summarize")
	}
	if q < 0 || q > 0.5 || math.IsNaN(q) {
		return Envelope{}, fmt.Errorf("quantile must be in [0, 0.5], got %f", q)
	}
	series := make([][]float64, len(members))
	for i, m := range members {
		if m.Results == nil {
			return Envelope{}, fmt.Errorf("member %d has no results", m.Index)
		}
		series[i] = pick(m.Results.Totals(space))
	}
	npts := len(series[0])
	env := Envelope{
		Mean: make([]float64, npts),
		Low:  make([]float64, npts),
		High: make([]float64, npts),
	}
	column := make([]float64, len(series))
	for t := 0; t < npts; t++ {
		for i := range series {
			column[i] = series[i][t]
		}
		env.Mean[t] = stat.Mean(column, nil)
		sort.Float64s(column)
		env.Low[t] = stat.Quantile(q, stat.Empirical, column, nil)
		env.High[t] = stat.Quantile(1-q, stat.Empirical, column, nil)
	}
	return env, nil
}
