package sim

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Junction is one flow between two care-cascade stages.
type Junction int

const (
	JunctionDiagnosis   Junction = iota // undiagnosed -> diagnosed
	JunctionLinkage                     // diagnosed -> in care
	JunctionLoss                        // in care -> lost to follow-up
	JunctionReturn                      // lost -> in care
	JunctionTreatment                   // not on ART -> unsuppressed ART
	JunctionSuppression                 // unsuppressed -> suppressed
	JunctionFailure                     // suppressed -> unsuppressed
)

// junctionOrder is the fixed order in which junctions are planned.
var junctionOrder = []Junction{
	JunctionDiagnosis, JunctionLinkage, JunctionLoss, JunctionReturn,
	JunctionTreatment, JunctionSuppression, JunctionFailure,
}

var junctionNames = map[Junction]string{
	JunctionDiagnosis:   "diagnosis",
	JunctionLinkage:     "linkage",
	JunctionLoss:        "loss",
	JunctionReturn:      "return",
	JunctionTreatment:   "treatment",
	JunctionSuppression: "suppression",
	JunctionFailure:     "failure",
}

func (j Junction) String() string { return junctionNames[j] }

// CascadeCounts holds the per-population cascade flows of one step
// (people, not annualized).
type CascadeCounts struct {
	Diagnoses []float64
	NewCare   []float64
	NewTreat  []float64
	NewSupp   []float64
}

// NewCascadeCounts allocates zero counts for npops populations.
func NewCascadeCounts(npops int) *CascadeCounts {
	return &CascadeCounts{
		Diagnoses: make([]float64, npops),
		NewCare:   make([]float64, npops),
		NewTreat:  make([]float64, npops),
		NewSupp:   make([]float64, npops),
	}
}

// CascadeController decides per junction and step whether the flow is
// driven by a per-capita rate or by a target, applies rate-driven flows to
// the working transitions (Plan) and reconciles target-driven flows by
// moving counts after the step has been advanced (Reconcile).
type CascadeController struct {
	space  *CompartmentSpace
	params *SimulationParameters
	eps    float64

	initiators     [][]float64 // [pop][cd4] ART starts during the current step
	prevInitiators [][]float64 // [pop][cd4] ART starts during the previous step
}

// NewCascadeController creates a controller for one run.
func NewCascadeController(space *CompartmentSpace, params *SimulationParameters, eps float64) *CascadeController {
	npops := params.NPops()
	cc := &CascadeController{
		space:          space,
		params:         params,
		eps:            eps,
		initiators:     make([][]float64, npops),
		prevInitiators: make([][]float64, npops),
	}
	for p := 0; p < npops; p++ {
		cc.initiators[p] = make([]float64, NumCD4)
		cc.prevInitiators[p] = make([]float64, NumCD4)
	}
	return cc
}

// stepProb discretizes a per-capita rate over one step.
func stepProb(rate, dt float64) float64 {
	if rate <= 0 {
		return 0
	}
	return 1 - math.Exp(-rate*dt)
}

// TargetDriven reports whether junction j is forced to a target at step t.
func (cc *CascadeController) TargetDriven(j Junction, t int) bool {
	sp := cc.params
	switch j {
	case JunctionDiagnosis:
		return targetAt(sp.PropDx, t).IsSet()
	case JunctionLinkage:
		return targetAt(sp.PropCare, t).IsSet()
	case JunctionTreatment:
		return targetAt(sp.PropTx, t).IsSet() || targetAt(sp.NumTx, t).IsSet()
	case JunctionSuppression:
		return targetAt(sp.PropSupp, t).IsSet()
	default:
		return false
	}
}

// Plan writes rate-driven junction probabilities for step t into w.
// Junctions whose target is set at t+1 are left at zero flow; Reconcile
// moves their people after the step.
func (cc *CascadeController) Plan(t int, w *WorkingTransitions) {
	sp := cc.params
	dt := sp.DT
	for p := 0; p < sp.NPops(); p++ {
		for _, j := range junctionOrder {
			if cc.TargetDriven(j, t+1) {
				continue
			}
			switch j {
			case JunctionDiagnosis:
				test := sp.HIVTest.at(p, t)
				aids := math.Max(test, sp.AIDSTest.at(p, t))
				w.ApplyJunction(p, StageUndiagnosed, StageDiagnosed, func(h int) float64 {
					if h >= CD4Gt50 {
						return stepProb(aids, dt)
					}
					return stepProb(test, dt)
				})
			case JunctionLinkage:
				cc.applyRate(w, p, StageDiagnosed, StageInCare, sp.LinkToCare.at(p, t))
			case JunctionLoss:
				cc.applyRate(w, p, StageInCare, StageLost, sp.LeaveCare.at(p, t))
			case JunctionReturn:
				cc.applyRate(w, p, StageLost, StageInCare, sp.ReturnToCare.at(p, t))
			case JunctionTreatment:
				cc.applyRate(w, p, StageInCare, StageUnsuppressed, sp.TreatRate.at(p, t))
			case JunctionSuppression:
				cc.applyRate(w, p, StageUnsuppressed, StageSuppressed, sp.SuppressionRate.at(p, t))
			case JunctionFailure:
				cc.applyRate(w, p, StageSuppressed, StageUnsuppressed, sp.TreatFail.at(p, t))
			}
		}
	}
}

func (cc *CascadeController) applyRate(w *WorkingTransitions, p int, from, to Stage, rate float64) {
	prob := stepProb(rate, cc.params.DT)
	if prob == 0 {
		return
	}
	w.ApplyJunction(p, from, to, func(int) float64 { return prob })
}

// RecordInitiators adds rate-driven ART starts of population p in CD4
// stratum h during the current step.
func (cc *CascadeController) RecordInitiators(p, h int, n float64) {
	cc.initiators[p][h] += n
}

// Reconcile forces target-driven junctions on people[:,:,t] (the step just
// produced by the advance) and adds the moved people to counts.
func (cc *CascadeController) Reconcile(t int, people *PopulationTensor, counts *CascadeCounts) {
	sp := cc.params
	space := cc.space
	npops := sp.NPops()

	if target := targetAt(sp.PropDx, t); target.IsSet() {
		for p := 0; p < npops; p++ {
			wanted := cc.proportion(target, people, space.AllDx, space.AllPLHIV, p, t) * people.Sum(space.AllPLHIV, p, t)
			diff := wanted - people.Sum(space.AllDx, p, t)
			if diff > 0 {
				moved, _ := cc.moveUp(people, p, t, diff, [][]int{space.Undx}, StageDiagnosed)
				counts.Diagnoses[p] += moved
			} else if diff < 0 {
				cc.moveDown(people, p, t, -diff, [][]int{space.Dx}, StageUndiagnosed)
			}
		}
	}

	if target := targetAt(sp.PropCare, t); target.IsSet() {
		for p := 0; p < npops; p++ {
			wanted := cc.proportion(target, people, space.AllCare, space.AllDx, p, t) * people.Sum(space.AllDx, p, t)
			diff := wanted - people.Sum(space.AllCare, p, t)
			if diff > 0 {
				moved, _ := cc.moveUp(people, p, t, diff, [][]int{space.Dx, space.Lost}, StageInCare)
				counts.NewCare[p] += moved
			} else if diff < 0 {
				cc.moveDown(people, p, t, -diff, [][]int{space.Care}, StageLost)
			}
		}
	}

	if wanted := cc.treatmentTargets(t, people); wanted != nil {
		for p := 0; p < npops; p++ {
			diff := wanted[p] - people.Sum(space.AllTx, p, t)
			if diff > 0 {
				moved, byCD4 := cc.moveUp(people, p, t, diff, [][]int{space.Care, space.Dx, space.Lost}, StageUnsuppressed)
				counts.NewTreat[p] += moved
				for h, n := range byCD4 {
					cc.initiators[p][h] += n
				}
			} else if diff < 0 {
				cc.moveDown(people, p, t, -diff, [][]int{space.USVL, space.SVL}, StageInCare)
			}
		}
	}

	if target := targetAt(sp.PropSupp, t); target.IsSet() {
		psupp := 1.0
		if sp.TimeToSuppression > 0 {
			psupp = stepProb(1/sp.TimeToSuppression, sp.DT)
		}
		for p := 0; p < npops; p++ {
			for h := 0; h < NumCD4; h++ {
				from, to := space.USVL[h], space.SVL[h]
				n := psupp * math.Min(cc.prevInitiators[p][h], people.At(from, p, t))
				if n <= 0 {
					continue
				}
				people.Add(from, p, t, -n)
				people.Add(to, p, t, n)
				counts.NewSupp[p] += n
			}
			wanted := cc.proportion(target, people, space.SVL, space.AllTx, p, t) * people.Sum(space.AllTx, p, t)
			diff := wanted - people.Sum(space.SVL, p, t)
			if diff > 0 {
				moved, _ := cc.moveUp(people, p, t, diff, [][]int{space.USVL}, StageSuppressed)
				counts.NewSupp[p] += moved
			} else if diff < 0 {
				cc.moveDown(people, p, t, -diff, [][]int{space.SVL}, StageUnsuppressed)
			}
		}
	}

	cc.initiators, cc.prevInitiators = cc.prevInitiators, cc.initiators
	for p := range cc.initiators {
		for h := range cc.initiators[p] {
			cc.initiators[p][h] = 0
		}
	}
}

// treatmentTargets returns the wanted number on ART per population at step
// t, or nil when treatment is rate-driven. A proportion target applies to
// everyone diagnosed; an absolute target is split across populations by
// their share of the diagnosed.
func (cc *CascadeController) treatmentTargets(t int, people *PopulationTensor) []float64 {
	sp := cc.params
	space := cc.space
	npops := sp.NPops()
	prop, num := targetAt(sp.PropTx, t), targetAt(sp.NumTx, t)
	if !prop.IsSet() && !num.IsSet() {
		return nil
	}
	wanted := make([]float64, npops)
	diagnosed := make([]float64, npops)
	totalDx := 0.0
	for p := 0; p < npops; p++ {
		diagnosed[p] = people.Sum(space.AllDx, p, t)
		totalDx += diagnosed[p]
	}
	number := num.Value
	if !prop.IsSet() && num.Kind == CarryForward {
		number = 0
		for p := 0; p < npops; p++ {
			number += people.Sum(space.AllTx, p, max(t-1, 0))
		}
	}
	for p := 0; p < npops; p++ {
		if prop.IsSet() {
			wanted[p] = cc.proportion(prop, people, space.AllTx, space.AllDx, p, t) * diagnosed[p]
		} else {
			wanted[p] = number * diagnosed[p] / math.Max(totalDx, cc.eps)
		}
	}
	if !prop.IsSet() && number > totalDx {
		logrus.Debugf("[t=%d] treatment target %g exceeds %g diagnosed; capped", t, number, totalDx)
	}
	return wanted
}

// proportion returns the proportion a target asks for at step t. A
// CarryForward target keeps the share num/den realised at step t-1.
func (cc *CascadeController) proportion(target Target, people *PopulationTensor, num, den []int, p, t int) float64 {
	if target.Kind != CarryForward {
		return target.Value
	}
	prev := max(t-1, 0)
	return people.Sum(num, p, prev) / math.Max(people.Sum(den, p, prev), cc.eps)
}

// moveUp moves up to amount people of population p at step t from the
// source stages into the same CD4 stratum of dest, most advanced stratum
// first; within a stratum, sources are drained in the order given. It
// returns the number moved in total and per stratum.
func (cc *CascadeController) moveUp(people *PopulationTensor, p, t int, amount float64, sources [][]int, dest Stage) (float64, [NumCD4]float64) {
	var byCD4 [NumCD4]float64
	remaining := amount
	for h := NumCD4 - 1; h >= 0 && remaining > 0; h-- {
		to := cc.space.Index(dest, h)
		for _, src := range sources {
			from := src[h]
			available := people.At(from, p, t)
			if available <= 0 {
				continue
			}
			n := math.Min(remaining, available)
			people.Add(from, p, t, -n)
			people.Add(to, p, t, n)
			byCD4[h] += n
			remaining -= n
			if remaining <= 0 {
				break
			}
		}
	}
	return amount - math.Max(remaining, 0), byCD4
}

// moveDown removes amount people of population p at step t from the pool
// compartments proportionally to their counts, returning them to the same
// CD4 stratum of dest. It never removes more than the pool holds.
func (cc *CascadeController) moveDown(people *PopulationTensor, p, t int, amount float64, pools [][]int, dest Stage) float64 {
	total := 0.0
	for _, pool := range pools {
		total += people.Sum(pool, p, t)
	}
	if total <= 0 {
		return 0
	}
	frac := math.Min(1, amount/math.Max(total, cc.eps))
	moved := 0.0
	for _, pool := range pools {
		for _, from := range pool {
			n := frac * people.At(from, p, t)
			if n <= 0 {
				continue
			}
			to := cc.space.Index(dest, cc.space.CD4Of(from))
			people.Add(from, p, t, -n)
			people.Add(to, p, t, n)
			moved += n
		}
	}
	return moved
}
