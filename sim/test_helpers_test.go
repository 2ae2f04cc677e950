package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBiology returns progression and mortality rates in the range used by
// typical country projections.
func testBiology() BiologyParams {
	return BiologyParams{
		Prog:      [NumCD4 - 1]float64{4.0, 0.3, 0.3, 0.35, 0.5},
		SVLRecov:  [NumCD4]float64{0, 0, 0.2, 0.25, 0.3, 0.3},
		USVLProg:  [NumCD4 - 1]float64{4.0, 0.1, 0.1, 0.12, 0.15},
		USVLRecov: [NumCD4]float64{0, 0, 0.05, 0.08, 0.1, 0.1},
		Death:     [NumCD4]float64{0.005, 0.003, 0.008, 0.02, 0.08, 0.5},
		DeathSVL:  0.2,
		DeathUSVL: 0.6,
	}
}

func testTransmission() TransmissionParams {
	return TransmissionParams{
		TransMFI:     0.001,
		TransMFR:     0.002,
		TransMMI:     0.0005,
		TransMMR:     0.014,
		TransInj:     0.008,
		CD4Trans:     [NumCD4]float64{26, 1, 1.2, 1.5, 2.5, 4},
		CD4TransNorm: 1,
		EffCondom:    0.95,
		EffCirc:      0.58,
		EffPrEP:      0.9,
		EffSTI:       2.5,
		EffOST:       0.54,
		EffDx:        0.3,
		EffTxUnsupp:  0.5,
		EffTxSupp:    0.96,
		EffPMTCT:     0.9,
		MTCTBreast:   0.37,
		MTCTNoBreast: 0.22,
	}
}

func constSeries(npops, npts int, v float64) Series {
	s := NewSeries(npops, npts)
	for p := range s {
		for t := range s[p] {
			s[p][t] = v
		}
	}
	return s
}

func constVec(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// newTestParams builds a two-population heterosexual scenario (men, women)
// with npts points of 0.2 years, constant population size and regular
// partnerships in both directions.
func newTestParams(npts int) *SimulationParameters {
	const npops = 2
	tvec := make([]float64, npts)
	for t := range tvec {
		tvec[t] = 2000 + 0.2*float64(t)
	}
	sp := &SimulationParameters{
		TVec: tvec,
		DT:   0.2,
		Populations: []Population{
			{Key: "men", Male: true, AgeFrom: 15, AgeTo: 49},
			{Key: "women", Female: true, AgeFrom: 15, AgeTo: 49},
		},
		Biology:         testBiology(),
		Transmission:    testTransmission(),
		PopSize:         constSeries(npops, npts, 100000),
		Death:           constSeries(npops, npts, 0.02),
		HIVTest:         constSeries(npops, npts, 0.2),
		AIDSTest:        constSeries(npops, npts, 1.0),
		LinkToCare:      constSeries(npops, npts, 2.0),
		LeaveCare:       constSeries(npops, npts, 0.1),
		ReturnToCare:    constSeries(npops, npts, 0.2),
		TreatRate:       constSeries(npops, npts, 0.5),
		SuppressionRate: constSeries(npops, npts, 2.0),
		TreatFail:       constSeries(npops, npts, 0.05),
		InitPrev:        []float64{0.05, 0.07},
		Force:           constVec(npops, 1),
		Inhomo:          constVec(npops, 0),
		Partnerships: []Partnership{
			{Act: ActRegular, PopA: 0, PopB: 1, Acts: constVec(npts, 80)},
			{Act: ActRegular, PopA: 1, PopB: 0, Acts: constVec(npts, 80)},
		},
		Condom: map[ActType]map[PopPair][]float64{
			ActRegular: {PopPair{0, 1}: constVec(npts, 0.2)},
		},
	}
	return sp
}

// closedOptions disables population-size reconciliation and forcing
// so that counts change only through disease, cascade and death.
func closedOptions() Options {
	opts := DefaultOptions()
	opts.ReconcileNoInflow = false
	opts.ForcePopSize = false
	return opts
}

// runTest runs params to completion and fails the test on error.
func runTest(t *testing.T, params *SimulationParameters, opts Options) *RawResults {
	t.Helper()
	res, err := Run(NewCompartmentSpace(), params, opts)
	require.NoError(t, err)
	return res
}

// popTotals returns Σ_c people[c][p][t] for every p.
func popTotals(pt *PopulationTensor, t int) []float64 {
	out := make([]float64, pt.NPop)
	for p := range out {
		out[p] = pt.PopTotal(p, t)
	}
	return out
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
