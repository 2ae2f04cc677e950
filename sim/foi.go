package sim

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/hivsim/hivsim/sim/trace"
)

// Susceptible sub-compartment positions in the force-of-infection tensor.
const (
	subSusReg = iota
	subProgCirc
	numSusSub
)

// InfectionResult is the outcome of one force-of-infection evaluation.
type InfectionResult struct {
	// Prob[s][p] is the probability that a susceptible of sub-compartment s
	// (uncircumcised, programmatically circumcised) in population p is
	// infected during the step.
	Prob [numSusSub][]float64
	// Acquired[p] is the number of new infections in population p.
	Acquired []float64
	// Caused[c][p] is the number of new infections attributed to people in
	// compartment c of population p.
	Caused [][]float64
}

// TotalAcquired returns Σ_p Acquired[p].
func (r *InfectionResult) TotalAcquired() float64 {
	total := 0.0
	for _, v := range r.Acquired {
		total += v
	}
	return total
}

// TotalCaused returns Σ_{c,p} Caused[c][p].
func (r *InfectionResult) TotalCaused() float64 {
	total := 0.0
	for _, row := range r.Caused {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// ForceOfInfection computes per-step infection probabilities from sexual
// and injecting partnerships.
//
// The working tensor is indexed
// [susceptible sub-compartment][acquiring pop][infectious comp][transmitting pop]
// and stored flat with that axis order.
type ForceOfInfection struct {
	space  *CompartmentSpace
	params *SimulationParameters
	eps    float64

	infectiousness []float64 // per compartment, before prevalence weighting
	beta           []float64 // per partnership, per-act transmission probability
	injectors      []int
	warned         map[int]bool // partnerships whose missing condom data was reported

	full    []float64
	effprev [][]float64 // [comp][pop]
}

// NewForceOfInfection precomputes the time-invariant parts of the
// calculation: per-compartment infectiousness and per-partnership per-act
// transmission probabilities.
func NewForceOfInfection(space *CompartmentSpace, params *SimulationParameters, eps float64) *ForceOfInfection {
	n, npops := space.N(), params.NPops()
	tr := params.Transmission
	f := &ForceOfInfection{
		space:          space,
		params:         params,
		eps:            eps,
		infectiousness: make([]float64, n),
		beta:           make([]float64, len(params.Partnerships)),
		warned:         make(map[int]bool),
		full:           make([]float64, numSusSub*npops*n*npops),
		effprev:        make([][]float64, n),
	}
	for c := range f.effprev {
		f.effprev[c] = make([]float64, npops)
	}

	norm := tr.CD4TransNorm
	if norm <= 0 {
		norm = 1
	}
	for _, c := range space.AllPLHIV {
		v := tr.CD4Trans[space.CD4Of(c)] / norm
		stage := space.StageOf(c)
		if stage != StageUndiagnosed {
			v *= 1 - tr.EffDx
		}
		switch stage {
		case StageUnsuppressed:
			v *= 1 - tr.EffTxUnsupp
		case StageSuppressed:
			v *= 1 - tr.EffTxSupp
		}
		f.infectiousness[c] = v
	}

	for i, pt := range params.Partnerships {
		f.beta[i] = f.perActTransmission(pt)
	}
	for p, pop := range params.Populations {
		if pop.Injects {
			f.injectors = append(f.injectors, p)
		}
	}
	return f
}

// perActTransmission picks the per-act probability for the sex combination
// of the acquiring and transmitting populations.
func (f *ForceOfInfection) perActTransmission(pt Partnership) float64 {
	tr := f.params.Transmission
	if pt.Act == ActInjecting {
		return tr.TransInj
	}
	a, b := f.params.Populations[pt.PopA], f.params.Populations[pt.PopB]
	switch {
	case a.Male && b.Female:
		return tr.TransMFI
	case a.Female && b.Male:
		return tr.TransMFR
	case a.Male && b.Male:
		return (tr.TransMMI + tr.TransMMR) / 2
	default:
		logrus.Debugf("no sexual transmission route between %s and %s; partnership ignored", a.Key, b.Key)
		return 0
	}
}

func (f *ForceOfInfection) at(s, p1, c, p2 int) int {
	n, npops := f.space.N(), f.params.NPops()
	return ((s*npops+p1)*n+c)*npops + p2
}

// Compute evaluates the force of infection at step t from the counts in
// people[:,:,t].
func (f *ForceOfInfection) Compute(t int, people *PopulationTensor, g *guard) (*InfectionResult, error) {
	sp := f.params
	space := f.space
	n, npops := space.N(), sp.NPops()
	dt := sp.DT
	tr := sp.Transmission

	for i := range f.full {
		f.full[i] = 1
	}

	// prevalence-weighted infectiousness of a random partner
	for p := 0; p < npops; p++ {
		total := math.Max(people.PopTotal(p, t), f.eps)
		for _, c := range space.AllPLHIV {
			f.effprev[c][p] = f.infectiousness[c] * people.At(c, p, t) / total
		}
	}

	ostFactor, err := f.ostFactors(t, people, g)
	if err != nil {
		return nil, err
	}

	for i, pt := range sp.Partnerships {
		beta := f.beta[i]
		if beta == 0 {
			continue
		}
		p1, p2 := pt.PopA, pt.PopB
		acts := math.Max(0, pt.Acts[t]*dt)
		whole := math.Floor(acts)
		frac := acts - whole

		acquiring := f.acquiringModifiers(pt, t)
		if pt.Act.IsSexual() {
			condom, ok := sp.CondomUse(pt.Act, p1, p2, t)
			if !ok && sp.Condom != nil && !f.warned[i] {
				f.warned[i] = true
				if err := g.missing(trace.KindMissingCondom, p1,
					"no %s condom use for %s/%s under either orientation; assuming 0",
					pt.Act, sp.Populations[p1].Key, sp.Populations[p2].Key); err != nil {
					return nil, err
				}
			}
			for s := range acquiring {
				acquiring[s] *= 1 - condom*tr.EffCondom
			}
		} else {
			for s := range acquiring {
				acquiring[s] *= ostFactor[p1]
			}
		}

		for s := 0; s < numSusSub; s++ {
			if acquiring[s] == 0 {
				continue
			}
			for _, c := range space.AllPLHIV {
				x := beta * acquiring[s] * f.effprev[c][p2]
				if x <= 0 {
					continue
				}
				x = math.Min(x, 1)
				f.full[f.at(s, p1, c, p2)] *= (1 - frac*x) * math.Pow(1-x, whole)
			}
		}
	}

	res := &InfectionResult{
		Acquired: make([]float64, npops),
		Caused:   make([][]float64, n),
	}
	for s := range res.Prob {
		res.Prob[s] = make([]float64, npops)
	}
	for c := range res.Caused {
		res.Caused[c] = make([]float64, npops)
	}

	sus := [numSusSub]int{space.SusReg, space.ProgCirc}
	for p1 := 0; p1 < npops; p1++ {
		scale := vecAt(sp.Force, p1) * f.inhomogeneity(p1, t, people)
		for s := 0; s < numSusSub; s++ {
			prob := 0.0
			for _, c := range space.AllPLHIV {
				for p2 := 0; p2 < npops; p2++ {
					k := f.at(s, p1, c, p2)
					f.full[k] = (1 - f.full[k]) * scale
					prob += f.full[k]
				}
			}
			// summed pairwise probabilities can exceed one at very high
			// exposure; rescale so acquired and caused totals stay equal
			if limit := 1 - f.eps; prob > limit {
				logrus.Debugf("infection probability %g capped at %g for %s", prob, limit, sp.Populations[p1].Key)
				ratio := limit / prob
				for _, c := range space.AllPLHIV {
					for p2 := 0; p2 < npops; p2++ {
						f.full[f.at(s, p1, c, p2)] *= ratio
					}
				}
				prob = limit
			}
			res.Prob[s][p1] = prob

			susPeople := people.At(sus[s], p1, t)
			res.Acquired[p1] += susPeople * prob
			if susPeople == 0 {
				continue
			}
			for _, c := range space.AllPLHIV {
				for p2 := 0; p2 < npops; p2++ {
					res.Caused[c][p2] += susPeople * f.full[f.at(s, p1, c, p2)]
				}
			}
		}
	}
	return res, nil
}

// acquiringModifiers returns the susceptibility multipliers of the acquiring
// population per susceptible sub-compartment.
func (f *ForceOfInfection) acquiringModifiers(pt Partnership, t int) [numSusSub]float64 {
	sp := f.params
	tr := sp.Transmission
	p1 := pt.PopA
	mods := [numSusSub]float64{1, 1}
	if !pt.Act.IsSexual() {
		return mods
	}
	common := (1 - tr.EffPrEP*sp.PrEP.at(p1, t)) * (1 + tr.EffSTI*sp.STIPrev.at(p1, t))
	mods[subSusReg] = common
	mods[subProgCirc] = common
	if sp.Populations[p1].Male {
		mods[subSusReg] *= 1 - tr.EffCirc*sp.Circum.at(p1, t)
		mods[subProgCirc] *= 1 - tr.EffCirc
	}
	return mods
}

// ostFactors returns 1 − EffOST·coverage for each population, where
// coverage is NumOST over the total injecting population.
func (f *ForceOfInfection) ostFactors(t int, people *PopulationTensor, g *guard) ([]float64, error) {
	sp := f.params
	out := make([]float64, sp.NPops())
	for p := range out {
		out[p] = 1
	}
	numOST := vecAt(sp.NumOST, t)
	if numOST <= 0 {
		return out, nil
	}
	pwid := 0.0
	for _, p := range f.injectors {
		pwid += people.PopTotal(p, t)
	}
	var coverage float64
	if pwid <= f.eps {
		if err := g.violation(trace.KindZeroDenominator, -1, -1, numOST, 1,
			"%g people on OST but the injecting population is empty", numOST); err != nil {
			return nil, err
		}
		coverage = 1
	} else {
		coverage = numOST / pwid
	}
	if coverage > 1 {
		if err := g.violation(trace.KindRatioCapped, -1, -1, coverage, 1,
			"OST coverage %g exceeds the injecting population", coverage); err != nil {
			return nil, err
		}
		coverage = 1
	}
	for _, p := range f.injectors {
		out[p] = 1 - sp.Transmission.EffOST*coverage
	}
	return out, nil
}

// inhomogeneity returns the heterogeneity multiplier of population p:
// (c+ε)/(exp(c+ε)−1)·exp(c·(1−prev)). Its mean over prev ∈ [0,1] is one, so
// it reshapes exposure with prevalence without shifting the average.
func (f *ForceOfInfection) inhomogeneity(p, t int, people *PopulationTensor) float64 {
	c := vecAt(f.params.Inhomo, p)
	if c == 0 {
		return 1
	}
	total := math.Max(people.PopTotal(p, t), f.eps)
	prev := people.Sum(f.space.AllPLHIV, p, t) / total
	ce := c + f.eps
	return ce / math.Expm1(ce) * math.Exp(c*(1-prev))
}
