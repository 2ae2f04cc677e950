// sim/simulator.go
package sim

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/hivsim/hivsim/sim/trace"
)

// Simulator holds the state of one run: the resolved parameters, the people
// tensor and the per-step machinery. A Simulator runs once; build a new one
// for every run.
type Simulator struct {
	Space   *CompartmentSpace
	Params  *SimulationParameters
	Options Options
	Trace   *trace.SimulationTrace

	base    []TransitionEntry
	work    *WorkingTransitions
	foi     *ForceOfInfection
	cascade *CascadeController
	demog   *DemographicUpdater
	guard   *guard

	results *RawResults
	ran     bool
}

// NewSimulator validates params and precomputes the time-invariant
// transitions. params is not modified by the run.
func NewSimulator(space *CompartmentSpace, params *SimulationParameters, opts Options) (*Simulator, error) {
	if space == nil {
		space = NewCompartmentSpace()
	}
	if params == nil {
		return nil, fmt.Errorf("%w: simulation parameters", ErrMissingInput)
	}
	if err := params.Validate(space); err != nil {
		return nil, err
	}
	if !trace.IsValidTraceLevel(string(opts.TraceLevel)) {
		return nil, fmt.Errorf("%w: unknown trace level %q", ErrInvalidValue, opts.TraceLevel)
	}
	opts = opts.normalized()

	adj := params.Adjacency
	if adj == nil {
		adj = space.DefaultAdjacency()
	}
	base, err := BuildBaseTransitions(space, params.Biology, adj, params.DT, opts.Eps)
	if err != nil {
		return nil, err
	}

	tr := trace.NewSimulationTrace(opts.TraceLevel)
	s := &Simulator{
		Space:   space,
		Params:  params,
		Options: opts,
		Trace:   tr,
		base:    base,
		work:    NewWorkingTransitions(space, adj, params.NPops()),
		foi:     NewForceOfInfection(space, params, opts.Eps),
		cascade: NewCascadeController(space, params, opts.Eps),
		demog:   NewDemographicUpdater(space, params, opts),
		guard: &guard{
			strict: opts.Strict,
			space:  space,
			pops:   params.Populations,
			trace:  tr,
		},
	}
	s.results = NewRawResults(space, params, tr)
	return s, nil
}

// Run is a convenience wrapper around NewSimulator and Simulator.Run.
func Run(space *CompartmentSpace, params *SimulationParameters, opts Options) (*RawResults, error) {
	s, err := NewSimulator(space, params, opts)
	if err != nil {
		return nil, err
	}
	return s.Run()
}

// Run advances the model over every step of TVec and returns the annualized
// results. In strict mode the first numerical instability aborts the run.
func (s *Simulator) Run() (*RawResults, error) {
	if s.ran {
		return nil, fmt.Errorf("sim: simulator already ran; create a new one")
	}
	s.ran = true

	sp := s.Params
	npts, npops := sp.NPts(), sp.NPops()
	logrus.Infof("Starting simulation: %d populations, %d steps of %g years (strict=%v)",
		npops, npts-1, sp.DT, s.Options.Strict)

	s.guard.at(0, sp.TVec[0])
	initial, err := InitialPeople(s.Space, sp, s.Options, s.guard)
	if err != nil {
		return nil, err
	}
	people := s.results.People
	for c, row := range initial {
		for p, v := range row {
			people.Set(c, p, 0, v)
		}
	}
	if err := s.clampNegatives(people, 0); err != nil {
		return nil, err
	}

	for t := 0; t < npts-1; t++ {
		if err := s.step(t); err != nil {
			return nil, err
		}
	}

	s.results.annualize(sp.DT)
	logrus.Infof("Simulation complete: %d anomalies corrected", s.Trace.Len())
	return s.results, nil
}

// step advances people[:,:,t] to people[:,:,t+1].
func (s *Simulator) step(t int) error {
	sp := s.Params
	space := s.Space
	res := s.results
	people := res.People
	npops := sp.NPops()
	g := s.guard

	g.at(t, sp.TVec[t])
	w := s.work
	w.Reset(s.base)

	inf, err := s.foi.Compute(t, people, g)
	if err != nil {
		return err
	}
	for p := 0; p < npops; p++ {
		w.SetInfection(p, space.SusReg, inf.Prob[subSusReg][p])
		w.SetInfection(p, space.ProgCirc, inf.Prob[subProgCirc][p])
		bg, err := s.backgroundDeath(p, t)
		if err != nil {
			return err
		}
		w.ApplyBackground(p, bg)
	}
	s.cascade.Plan(t, w)
	if err := s.checkTransitions(); err != nil {
		return err
	}

	current := make([]float64, space.N())
	next := make([]float64, space.N())
	deaths := make([]float64, space.N())
	fromUntreatedDx := concat(space.Dx, space.Lost)
	for p := 0; p < npops; p++ {
		people.Column(p, t, current)
		w.Advance(p, current, next, deaths)
		people.SetColumn(p, t+1, next)

		for c, d := range deaths {
			res.Deaths.Set(c, p, t, d)
		}
		res.OtherDeaths[p][t] = w.Background[p] * people.PopTotal(p, t)
		res.Incidence[p][t] = inf.Acquired[p]
		res.Diagnoses[p][t] = w.Flow(p, current, space.Undx, space.Dx)
		res.NewCare[p][t] = w.Flow(p, current, fromUntreatedDx, space.Care)
		res.NewSupp[p][t] = w.Flow(p, current, space.USVL, space.SVL)
		for h := 0; h < NumCD4; h++ {
			n := w.Flow(p, current, space.NotOnART, space.USVL[h:h+1])
			res.NewTreat[p][t] += n
			s.cascade.RecordInitiators(p, h, n)
		}
	}
	for c, row := range inf.Caused {
		for p, v := range row {
			res.IncidenceBy[c][t] += v
			res.IncidenceByPop[p][t] += v
		}
	}

	g.at(t+1, sp.TVec[t+1])
	cc := NewCascadeCounts(npops)
	s.cascade.Reconcile(t+1, people, cc)
	dc, err := s.demog.Apply(t, people, g)
	if err != nil {
		return err
	}
	for p := 0; p < npops; p++ {
		res.Diagnoses[p][t] += cc.Diagnoses[p]
		res.NewCare[p][t] += cc.NewCare[p]
		res.NewTreat[p][t] += cc.NewTreat[p]
		res.NewSupp[p][t] += cc.NewSupp[p]
		res.Births[p][t] = dc.Births[p]
		res.MTCT[p][t] = dc.MTCT[p]
		res.HIVBirths[p][t] = dc.HIVBirths[p]
		res.ReceivePMTCT[p][t] = dc.ReceivePMTCT[p]
	}
	return s.clampNegatives(people, t+1)
}

// backgroundDeath returns the per-step background mortality probability of
// population p, clamped to [0,1]. A non-finite rate is replaced by zero.
func (s *Simulator) backgroundDeath(p, t int) (float64, error) {
	rate := s.Params.Death[p][t]
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		if err := s.guard.violation(trace.KindNonFinite, -1, p, rate, 0,
			"background death rate is %v", rate); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return math.Min(1, math.Max(0, rate*s.Params.DT)), nil
}

// checkTransitions verifies every row of the working transitions. In
// tolerant mode an offending row is rescaled to the expected total, or reset
// to self-retention when it cannot be rescaled. Each row is repaired at most
// once per step; a row that still fails afterwards is an error in either mode.
func (s *Simulator) checkTransitions() error {
	w := s.work
	tol := s.Options.SumTolerance
	repaired := make(map[[2]int]bool)
	for {
		p, from, got, want, ok := w.Check(tol)
		if ok {
			return nil
		}
		if repaired[[2]int{p, from}] {
			return &SimulationError{
				Kind:        ErrNumericalInstability,
				Step:        s.guard.step,
				Time:        s.guard.time,
				Compartment: s.guard.compName(from),
				Population:  s.guard.popName(p),
				Detail:      fmt.Sprintf("transition row still sums to %v after repair", got),
			}
		}
		repaired[[2]int{p, from}] = true
		if err := s.guard.violation(trace.KindProbabilitySum, from, p, got, want,
			"transition probabilities sum to %.9f, want %.9f", got, want); err != nil {
			return err
		}
		if !isFinite(want) {
			w.Background[p] = 0
			want = 1
		}
		row := w.P[p].RawRowView(from)
		if got <= 0 || !isFinite(got) {
			for i := range row {
				row[i] = 0
			}
			row[from] = want
			w.Death[p][from] = 0
			continue
		}
		for i := range row {
			row[i] *= want / got
		}
		w.Death[p][from] *= want / got
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// clampNegatives zeroes negative counts at step t. Values within
// NegativeTolerance of zero are rounding error and are zeroed silently.
func (s *Simulator) clampNegatives(people *PopulationTensor, t int) error {
	tol := s.Options.NegativeTolerance
	for c := 0; c < people.NComp; c++ {
		for p := 0; p < people.NPop; p++ {
			v := people.At(c, p, t)
			if v >= 0 {
				continue
			}
			if v < -tol {
				if err := s.guard.violation(trace.KindNegativeCount, c, p, v, 0,
					"negative count %g", v); err != nil {
					return err
				}
			}
			people.Set(c, p, t, 0)
		}
	}
	return nil
}
