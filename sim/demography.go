package sim

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/hivsim/hivsim/sim/trace"
)

// DemographicCounts holds the per-population demographic flows of one step
// (people, not annualized).
type DemographicCounts struct {
	Births       []float64 // by destination population
	MTCT         []float64 // HIV-positive births, by destination population
	HIVBirths    []float64 // births to mothers living with HIV, by mother's population
	ReceivePMTCT []float64 // by mother's population
}

// NewDemographicCounts allocates zero counts for npops populations.
func NewDemographicCounts(npops int) *DemographicCounts {
	return &DemographicCounts{
		Births:       make([]float64, npops),
		MTCT:         make([]float64, npops),
		HIVBirths:    make([]float64, npops),
		ReceivePMTCT: make([]float64, npops),
	}
}

// DemographicUpdater applies births, circumcision, ageing, risk-group
// movement and population-size reconciliation to people[:,:,t+1] after the
// disease step from t has been advanced.
type DemographicUpdater struct {
	space  *CompartmentSpace
	params *SimulationParameters
	opts   Options

	noInflow      []bool
	lastPropPMTCT float64
}

// NewDemographicUpdater creates an updater for one run.
func NewDemographicUpdater(space *CompartmentSpace, params *SimulationParameters, opts Options) *DemographicUpdater {
	npops := params.NPops()
	du := &DemographicUpdater{
		space:    space,
		params:   params,
		opts:     opts,
		noInflow: make([]bool, npops),
	}
	for p := 0; p < npops; p++ {
		inflow := 0.0
		for p1 := 0; p1 < npops; p1++ {
			inflow += matAt(params.BirthTransit, p1, p) + matAt(params.AgeTransit, p1, p)
		}
		du.noInflow[p] = inflow == 0
	}
	return du
}

// NoInflow reports whether population p has no modeled births or ageing in.
func (du *DemographicUpdater) NoInflow(p int) bool { return du.noInflow[p] }

// Apply performs every demographic update for the step t -> t+1.
func (du *DemographicUpdater) Apply(t int, people *PopulationTensor, g *guard) (*DemographicCounts, error) {
	counts := NewDemographicCounts(du.params.NPops())
	if err := du.births(t, people, counts, g); err != nil {
		return nil, err
	}
	du.circumcision(t, people)
	du.ageing(t, people)
	du.riskTransitions(t, people)
	if du.opts.ReconcileNoInflow {
		if err := du.reconcile(t, people, g); err != nil {
			return nil, err
		}
	}
	if du.opts.ForcePopSize {
		if err := du.forcePopSize(t, people, g); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

func (du *DemographicUpdater) births(t int, people *PopulationTensor, counts *DemographicCounts, g *guard) error {
	sp := du.params
	space := du.space
	npops := sp.NPops()
	if sp.BirthTransit == nil || sp.Birth == nil {
		return nil
	}
	tr := sp.Transmission
	breast := vecAt(sp.Breastfeeding, t)
	effMTCT := tr.MTCTBreast*breast + tr.MTCTNoBreast*(1-breast)
	effPMTCT := (1 - tr.EffPMTCT) * effMTCT
	untreatedDx := concat(space.Dx, space.Care, space.Lost)

	type birthFlow struct {
		p1, p2                         int
		total, undx, tx, eligible, hiv float64
	}
	var flows []birthFlow
	totalEligible := 0.0
	for p1 := 0; p1 < npops; p1++ {
		for p2 := 0; p2 < npops; p2++ {
			weight := sp.BirthTransit[p1][p2]
			if weight <= 0 {
				continue
			}
			rate := sp.Birth[p1][t] * sp.DT * weight
			f := birthFlow{
				p1:       p1,
				p2:       p2,
				total:    rate * people.PopTotal(p1, t),
				undx:     rate * people.Sum(space.Undx, p1, t),
				tx:       rate * people.Sum(space.AllTx, p1, t),
				eligible: rate * people.Sum(untreatedDx, p1, t),
				hiv:      rate * people.Sum(space.AllPLHIV, p1, t),
			}
			totalEligible += f.eligible
			flows = append(flows, f)
		}
	}

	prop, err := du.pmtctCoverage(t, totalEligible, g)
	if err != nil {
		return err
	}

	for _, f := range flows {
		receive := prop * f.eligible
		mtct := f.undx*effMTCT + (f.eligible-receive)*effMTCT + receive*effPMTCT + f.tx*effPMTCT
		mtct = math.Min(mtct, f.total)
		people.Add(space.Undx[CD4Acute], f.p2, t+1, mtct)
		people.Add(space.SusReg, f.p2, t+1, f.total-mtct)
		counts.Births[f.p2] += f.total
		counts.MTCT[f.p2] += mtct
		counts.HIVBirths[f.p1] += f.hiv
		counts.ReceivePMTCT[f.p1] += receive
	}
	return nil
}

// pmtctCoverage returns the fraction of eligible births receiving PMTCT at
// step t. A proportion target wins over an absolute one; CarryForward reuses
// the previous step's realised coverage.
func (du *DemographicUpdater) pmtctCoverage(t int, eligible float64, g *guard) (float64, error) {
	sp := du.params
	prop := 0.0
	switch pt, nt := targetAt(sp.PropPMTCT, t), targetAt(sp.NumPMTCT, t); {
	case pt.Kind == Fixed:
		prop = pt.Value
	case pt.Kind == CarryForward, nt.Kind == CarryForward:
		prop = du.lastPropPMTCT
	case nt.Kind == Fixed:
		if eligible > du.opts.Eps {
			prop = math.Min(1, nt.Value*sp.DT/eligible)
		}
	}
	if prop > 1 {
		if err := g.violation(trace.KindRatioCapped, -1, -1, prop, 1, "PMTCT coverage above one"); err != nil {
			return 0, err
		}
		prop = 1
	}
	prop = math.Max(0, prop)
	du.lastPropPMTCT = prop
	return prop, nil
}

func (du *DemographicUpdater) circumcision(t int, people *PopulationTensor) {
	sp := du.params
	if sp.NumCirc == nil {
		return
	}
	space := du.space
	for p, pop := range sp.Populations {
		if !pop.Male {
			continue
		}
		n := math.Min(sp.NumCirc[p][t]*sp.DT, people.At(space.SusReg, p, t+1))
		if n <= 0 {
			continue
		}
		people.Add(space.SusReg, p, t+1, -n)
		people.Add(space.ProgCirc, p, t+1, n)
	}
}

// ageing moves AgeTransit·dt of every compartment from each age band to the
// next. Outflows of one population are scaled down together if they would
// exceed everyone in it.
func (du *DemographicUpdater) ageing(t int, people *PopulationTensor) {
	sp := du.params
	if sp.AgeTransit == nil {
		return
	}
	npops := sp.NPops()
	n := du.space.N()
	snapshot := make([][]float64, npops)
	for p := 0; p < npops; p++ {
		snapshot[p] = people.Column(p, t+1, nil)
	}
	for p1 := 0; p1 < npops; p1++ {
		fracs := make([]float64, npops)
		for p2 := 0; p2 < npops; p2++ {
			if p2 != p1 && sp.AgeTransit[p1][p2] > 0 {
				fracs[p2] = sp.AgeTransit[p1][p2] * sp.DT
			}
		}
		if total := floats.Sum(fracs); total > 1 {
			floats.Scale(1/total, fracs)
		}
		for p2, frac := range fracs {
			if frac == 0 {
				continue
			}
			for c := 0; c < n; c++ {
				moving := snapshot[p1][c] * frac
				people.Add(c, p1, t+1, -moving)
				people.Add(c, p2, t+1, moving)
			}
		}
	}
}

// riskTransitions exchanges people between risk groups. The reverse flow is
// scaled by the ratio of population sizes so the two flows balance.
func (du *DemographicUpdater) riskTransitions(t int, people *PopulationTensor) {
	sp := du.params
	if sp.RiskTransit == nil {
		return
	}
	eps := du.opts.Eps
	npops := sp.NPops()
	n := du.space.N()
	for p1 := 0; p1 < npops; p1++ {
		for p2 := 0; p2 < npops; p2++ {
			duration := sp.RiskTransit[p1][p2]
			if p1 == p2 || duration <= 0 {
				continue
			}
			total1, total2 := people.PopTotal(p1, t+1), people.PopTotal(p2, t+1)
			if total1 <= eps || total2 <= eps {
				continue
			}
			f1 := stepProb(1/duration, sp.DT)
			f2 := f1 * total1 / total2
			if f2 > 1 {
				f1 /= f2
				f2 = 1
			}
			for c := 0; c < n; c++ {
				moving1 := people.At(c, p1, t+1) * f1
				moving2 := people.At(c, p2, t+1) * f2
				people.Add(c, p1, t+1, moving2-moving1)
				people.Add(c, p2, t+1, moving1-moving2)
			}
		}
	}
}

// reconcile adds or removes the gap between PopSize and the modeled total
// for populations with no modeled inflows, split between the two
// susceptible compartments by their current share.
func (du *DemographicUpdater) reconcile(t int, people *PopulationTensor, g *guard) error {
	sp := du.params
	space := du.space
	eps := du.opts.Eps
	for p := range sp.Populations {
		if !du.noInflow[p] {
			continue
		}
		newPeople := sp.PopSize[p][t+1] - people.PopTotal(p, t+1)
		susreg := people.At(space.SusReg, p, t+1)
		circ := people.At(space.ProgCirc, p, t+1)
		allSus := susreg + circ
		if newPeople < 0 && -newPeople > allSus {
			if err := g.violation(trace.KindPopSizeCorrection, space.SusReg, p, newPeople, -allSus,
				"population exceeds target by %g but only %g susceptibles can be removed", -newPeople, allSus); err != nil {
				return err
			}
			newPeople = -allSus
		}
		if allSus <= eps {
			people.Add(space.SusReg, p, t+1, newPeople)
			continue
		}
		people.Add(space.SusReg, p, t+1, newPeople*susreg/allSus)
		people.Add(space.ProgCirc, p, t+1, newPeople*circ/allSus)
	}
	return nil
}

// forcePopSize rescales susceptible and untreated compartments so the
// population matches PopSize. People on ART are left untouched.
func (du *DemographicUpdater) forcePopSize(t int, people *PopulationTensor, g *guard) error {
	sp := du.params
	space := du.space
	eps := du.opts.Eps
	maxCorr := du.opts.MaxPopSizeCorrection
	scalable := concat(space.Sus, space.NotOnART)
	for p := range sp.Populations {
		onART := people.Sum(space.AllTx, p, t+1)
		current := people.PopTotal(p, t+1) - onART
		wanted := sp.PopSize[p][t+1] - onART
		if current <= eps {
			continue
		}
		ratio := math.Max(0, wanted) / current
		if math.Abs(ratio-1) > maxCorr {
			clamped := math.Min(1+maxCorr, math.Max(1-maxCorr, ratio))
			if err := g.violation(trace.KindPopSizeCorrection, -1, p, ratio, clamped,
				"population size correction %.4f exceeds the %.4f limit", ratio, maxCorr); err != nil {
				return err
			}
			ratio = clamped
		}
		for _, c := range scalable {
			people.Set(c, p, t+1, people.At(c, p, t+1)*ratio)
		}
		logrus.Debugf("[t=%d] %s rescaled by %.6f", t+1, sp.Populations[p].Key, ratio)
	}
	return nil
}
