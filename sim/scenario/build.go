package scenario

import (
	"fmt"

	"github.com/hivsim/hivsim/sim"
	"github.com/hivsim/hivsim/sim/trace"
)

// Build resolves the scenario into engine inputs on the standard compartment
// space. The scenario is validated first; the returned parameters are also
// checked by sim.SimulationParameters.Validate.
func (s *Scenario) Build() (*sim.SimulationParameters, sim.Options, error) {
	return s.BuildFor(sim.NewCompartmentSpace())
}

// BuildFor is Build on an explicit compartment space.
func (s *Scenario) BuildFor(space *sim.CompartmentSpace) (*sim.SimulationParameters, sim.Options, error) {
	opts := s.Options.resolve()
	if err := s.Validate(); err != nil {
		return nil, opts, err
	}
	npts, npops := s.NPts(), len(s.Populations)

	sp := &sim.SimulationParameters{
		TVec:              make([]float64, npts),
		DT:                s.DT,
		Populations:       make([]sim.Population, npops),
		Biology:           s.Biology.resolve(),
		Transmission:      s.Transmission.resolve(),
		InitPrev:          make([]float64, npops),
		Force:             make([]float64, npops),
		Inhomo:            make([]float64, npops),
		TimeToSuppression: s.Programs.TimeToSuppression,
	}
	for t := range sp.TVec {
		sp.TVec[t] = s.Start + float64(t)*s.DT
	}

	index := make(map[string]int, npops)
	for p, pop := range s.Populations {
		index[pop.Key] = p
		sp.Populations[p] = sim.Population{
			Key:       pop.Key,
			Male:      pop.Male,
			Female:    pop.Female,
			Injects:   pop.Injects,
			SexWorker: pop.SexWorker,
			AgeFrom:   pop.AgeFrom,
			AgeTo:     pop.AgeTo,
		}
		sp.InitPrev[p] = pop.InitPrev
		sp.Force[p] = 1
		if pop.Force != nil {
			sp.Force[p] = *pop.Force
		}
		sp.Inhomo[p] = pop.Inhomo

		for _, f := range pop.series() {
			if !f.v.IsSet() {
				continue
			}
			dst := f.dst(sp)
			if *dst == nil {
				*dst = sim.NewSeries(npops, npts)
			}
			points, err := f.v.Expand(npts)
			if err != nil {
				return nil, opts, fmt.Errorf("population %q: %s %w", pop.Key, f.name, err)
			}
			(*dst)[p] = points
		}
	}
	if s.InitialPeople != nil {
		sp.InitPrev = nil
	}

	var err error
	if sp.NumOST, err = expandOptional(s.Programs.NumOST, npts); err != nil {
		return nil, opts, fmt.Errorf("programs.num_ost %w", err)
	}
	if sp.Breastfeeding, err = expandOptional(s.Programs.Breastfeeding, npts); err != nil {
		return nil, opts, fmt.Errorf("programs.breastfeeding %w", err)
	}

	targets := []struct {
		name string
		src  Targets
		dst  *[]sim.Target
	}{
		{"prop_dx", s.Targets.PropDx, &sp.PropDx},
		{"prop_care", s.Targets.PropCare, &sp.PropCare},
		{"prop_tx", s.Targets.PropTx, &sp.PropTx},
		{"num_tx", s.Targets.NumTx, &sp.NumTx},
		{"prop_supp", s.Targets.PropSupp, &sp.PropSupp},
		{"prop_pmtct", s.Targets.PropPMTCT, &sp.PropPMTCT},
		{"num_pmtct", s.Targets.NumPMTCT, &sp.NumPMTCT},
	}
	for _, tg := range targets {
		if *tg.dst, err = tg.src.Expand(npts); err != nil {
			return nil, opts, fmt.Errorf("targets.%s %w", tg.name, err)
		}
	}

	for i, pt := range s.Partnerships {
		act, _ := sim.ParseActType(pt.Act)
		acts, err := pt.Acts.Expand(npts)
		if err != nil {
			return nil, opts, fmt.Errorf("partnership[%d].acts %w", i, err)
		}
		sp.Partnerships = append(sp.Partnerships, sim.Partnership{
			Act:  act,
			PopA: index[pt.Acquiring],
			PopB: index[pt.Infecting],
			Acts: acts,
		})
	}

	if len(s.Condom) > 0 {
		sp.Condom = make(map[sim.ActType]map[sim.PopPair][]float64)
		for i, c := range s.Condom {
			act, _ := sim.ParseActType(c.Act)
			use, err := c.Use.Expand(npts)
			if err != nil {
				return nil, opts, fmt.Errorf("condom[%d].use %w", i, err)
			}
			if sp.Condom[act] == nil {
				sp.Condom[act] = make(map[sim.PopPair][]float64)
			}
			sp.Condom[act][sim.PopPair{A: index[c.Pops[0]], B: index[c.Pops[1]]}] = use
		}
	}

	sp.BirthTransit = transitMatrix(s.BirthTransit, index, npops)
	sp.AgeTransit = transitMatrix(s.AgeTransit, index, npops)
	sp.RiskTransit = transitMatrix(s.RiskTransit, index, npops)

	if s.InitialPeople != nil {
		byName := make(map[string]int, space.N())
		for c, name := range space.Names() {
			byName[name] = c
		}
		sp.InitialPeople = make([][]float64, space.N())
		for c := range sp.InitialPeople {
			sp.InitialPeople[c] = make([]float64, npops)
		}
		for name, counts := range s.InitialPeople {
			c, ok := byName[name]
			if !ok {
				return nil, opts, fmt.Errorf("initial_people: unknown compartment %q", name)
			}
			copy(sp.InitialPeople[c], counts)
		}
	}

	if err := sp.Validate(space); err != nil {
		return nil, opts, err
	}
	return sp, opts, nil
}

func expandOptional(v Values, npts int) ([]float64, error) {
	if !v.IsSet() {
		return nil, nil
	}
	return v.Expand(npts)
}

func transitMatrix(m map[string]map[string]float64, index map[string]int, npops int) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, npops)
	for i := range out {
		out[i] = make([]float64, npops)
	}
	for from, row := range m {
		for to, v := range row {
			out[index[from]][index[to]] = v
		}
	}
	return out
}

func (o OptionsSpec) resolve() sim.Options {
	opts := sim.DefaultOptions()
	if o.Strict != nil {
		opts.Strict = *o.Strict
	}
	if o.Eps != nil {
		opts.Eps = *o.Eps
	}
	if o.SumTolerance != nil {
		opts.SumTolerance = *o.SumTolerance
	}
	if o.NegativeTolerance != nil {
		opts.NegativeTolerance = *o.NegativeTolerance
	}
	if o.ReconcileNoInflow != nil {
		opts.ReconcileNoInflow = *o.ReconcileNoInflow
	}
	if o.ForcePopSize != nil {
		opts.ForcePopSize = *o.ForcePopSize
	}
	if o.MaxPopSizeCorrection != nil {
		opts.MaxPopSizeCorrection = *o.MaxPopSizeCorrection
	}
	if o.TreatmentSlack != nil {
		opts.TreatmentSlack = *o.TreatmentSlack
	}
	if o.TraceLevel != nil {
		opts.TraceLevel = trace.TraceLevel(*o.TraceLevel)
	}
	return opts
}

func (b BiologySpec) resolve() sim.BiologyParams {
	out := sim.BiologyParams{DeathSVL: b.DeathSVL, DeathUSVL: b.DeathUSVL}
	copy(out.Prog[:], b.Prog)
	copy(out.SVLRecov[:], b.SVLRecov)
	copy(out.USVLProg[:], b.USVLProg)
	copy(out.USVLRecov[:], b.USVLRecov)
	copy(out.Death[:], b.Death)
	return out
}

func (tr TransmissionSpec) resolve() sim.TransmissionParams {
	out := sim.TransmissionParams{
		TransMFI:     tr.TransMFI,
		TransMFR:     tr.TransMFR,
		TransMMI:     tr.TransMMI,
		TransMMR:     tr.TransMMR,
		TransInj:     tr.TransInj,
		CD4TransNorm: tr.CD4TransNorm,
		EffCondom:    tr.EffCondom,
		EffCirc:      tr.EffCirc,
		EffPrEP:      tr.EffPrEP,
		EffSTI:       tr.EffSTI,
		EffOST:       tr.EffOST,
		EffDx:        tr.EffDx,
		EffTxUnsupp:  tr.EffTxUnsupp,
		EffTxSupp:    tr.EffTxSupp,
		EffPMTCT:     tr.EffPMTCT,
		MTCTBreast:   tr.MTCTBreast,
		MTCTNoBreast: tr.MTCTNoBreast,
	}
	copy(out.CD4Trans[:], tr.CD4Trans)
	return out
}
