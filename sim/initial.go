package sim

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/hivsim/hivsim/sim/trace"
)

// preDiagnosisYears is the assumed mean time since infection used to split
// the initially infected into undiagnosed and diagnosed.
const preDiagnosisYears = 5.0

// InitialPeople builds people[:,:,0] as an [N][npops] matrix. An explicit
// InitialPeople in params is copied as-is; otherwise the equilibrium
// heuristic distributes PopSize·InitPrev across the cascade and CD4 strata.
func InitialPeople(space *CompartmentSpace, params *SimulationParameters, opts Options, g *guard) ([][]float64, error) {
	if params.InitialPeople != nil {
		return cloneMatrix(params.InitialPeople), nil
	}
	opts = opts.normalized()
	npops := params.NPops()
	n := space.N()
	out := make([][]float64, n)
	for c := range out {
		out[c] = make([]float64, npops)
	}

	infected := make([]float64, npops)
	totalInfected := 0.0
	for p := 0; p < npops; p++ {
		infected[p] = params.PopSize[p][0] * params.InitPrev[p]
		totalInfected += infected[p]
	}

	treated, err := initialTreated(space, params, opts, infected, totalInfected, g)
	if err != nil {
		return nil, err
	}

	ratios := cd4SojournShares(params.Biology, opts.Eps)
	for p := 0; p < npops; p++ {
		untreated := infected[p] - treated[p]
		fracUndx := math.Exp(-preDiagnosisYears * math.Max(0, params.HIVTest[p][0]))
		undx := untreated * fracUndx
		dx := untreated - undx
		care := 0.0
		if prop := targetAt(params.PropCare, 0); prop.Kind == Fixed {
			care = math.Min(1, prop.Value) * dx
		}
		dx -= care

		supp := suppressedShare(params, p, opts.Eps)
		svl := treated[p] * supp
		usvl := treated[p] - svl

		for h := 0; h < NumCD4; h++ {
			out[space.Undx[h]][p] = undx * ratios[h]
			out[space.Dx[h]][p] = dx * ratios[h]
			out[space.Care[h]][p] = care * ratios[h]
			out[space.USVL[h]][p] = usvl * ratios[h]
			out[space.SVL[h]][p] = svl * ratios[h]
		}
		out[space.SusReg][p] = params.PopSize[p][0] - infected[p]
		logrus.Debugf("initial %s: infected=%.1f undx=%.1f dx=%.1f care=%.1f tx=%.1f",
			params.Populations[p].Key, infected[p], undx, dx, care, treated[p])
	}
	return out, nil
}

// initialTreated returns the number on ART at t=0 per population. An
// absolute NumTx is split by each population's share of the infected; a
// proportion PropTx applies to the estimated diagnosed.
func initialTreated(space *CompartmentSpace, params *SimulationParameters, opts Options,
	infected []float64, totalInfected float64, g *guard) ([]float64, error) {
	npops := len(infected)
	treated := make([]float64, npops)
	switch num, prop := targetAt(params.NumTx, 0), targetAt(params.PropTx, 0); {
	case num.Kind == Fixed:
		total := num.Value
		if total > totalInfected {
			if total > totalInfected+opts.TreatmentSlack {
				if err := g.violation(trace.KindTreatmentExcess, -1, -1, total, totalInfected,
					"initial number on treatment %g exceeds %g infected", total, totalInfected); err != nil {
					return nil, err
				}
			}
			total = totalInfected
		}
		for p := 0; p < npops; p++ {
			treated[p] = total * infected[p] / math.Max(totalInfected, opts.Eps)
		}
	case prop.Kind == Fixed:
		for p := 0; p < npops; p++ {
			diagnosed := infected[p] * (1 - math.Exp(-preDiagnosisYears*math.Max(0, params.HIVTest[p][0])))
			treated[p] = math.Min(1, prop.Value) * diagnosed
		}
	}
	return treated, nil
}

// cd4SojournShares distributes people across CD4 strata proportionally to
// the mean time spent in each: 1/Prog for the first five, 1/Death for the
// last.
func cd4SojournShares(bio BiologyParams, eps float64) [NumCD4]float64 {
	var shares [NumCD4]float64
	total := 0.0
	for h := 0; h < NumCD4; h++ {
		rate := bio.Death[NumCD4-1]
		if h < NumCD4-1 {
			rate = bio.Prog[h]
		}
		shares[h] = 1 / math.Max(rate, eps)
		total += shares[h]
	}
	for h := range shares {
		shares[h] /= total
	}
	return shares
}

// suppressedShare returns the fraction of people on ART at t=0 who are
// virally suppressed.
func suppressedShare(params *SimulationParameters, p int, eps float64) float64 {
	if prop := targetAt(params.PropSupp, 0); prop.Kind == Fixed {
		return math.Min(1, prop.Value)
	}
	supp := params.SuppressionRate.at(p, 0)
	fail := params.TreatFail.at(p, 0)
	if supp <= 0 {
		return 0
	}
	return supp / math.Max(supp+fail, eps)
}
