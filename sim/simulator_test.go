package sim

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivsim/hivsim/sim/internal/testutil"
	"github.com/hivsim/hivsim/sim/trace"
)

// fullCascadeParams extends the test scenario with targets, births and
// interventions so that every part of the step is exercised.
func fullCascadeParams(npts int) *SimulationParameters {
	params := newTestParams(npts)
	params.Birth = constSeries(2, npts, 0)
	for t := 0; t < npts; t++ {
		params.Birth[1][t] = 0.05
	}
	params.BirthTransit = [][]float64{{0, 0}, {0.5, 0.5}}
	params.Breastfeeding = constVec(npts, 0.5)
	params.NumCirc = constSeries(2, npts, 500)
	params.PrEP = constSeries(2, npts, 0.02)
	params.STIPrev = constSeries(2, npts, 0.05)
	params.TimeToSuppression = 0.5
	params.PropDx = UnsetTargets(npts)
	params.PropTx = UnsetTargets(npts)
	for t := npts / 2; t < npts; t++ {
		params.PropDx[t] = FixedTarget(0.8)
		params.PropTx[t] = FixedTarget(0.7)
	}
	params.NumPMTCT = FixedTargets(npts, 200)
	return params
}

func TestSimulator_SumInvariantHoldsInStrictMode(t *testing.T) {
	// GIVEN a scenario exercising infection, cascade targets and births
	params := fullCascadeParams(26)
	opts := DefaultOptions()
	opts.Strict = true

	// WHEN it runs strictly
	res, err := Run(NewCompartmentSpace(), params, opts)

	// THEN no transition row ever violated Σ P + death = 1 − background
	require.NoError(t, err)
	assert.Equal(t, 0, res.Trace.Count(trace.KindProbabilitySum))
}

func TestSimulator_NonNegative(t *testing.T) {
	params := fullCascadeParams(51)
	res := runTest(t, params, DefaultOptions())
	assert.GreaterOrEqual(t, res.People.Min(), 0.0)
	assert.GreaterOrEqual(t, res.Deaths.Min(), 0.0)
}

func TestSimulator_Deterministic(t *testing.T) {
	params := fullCascadeParams(26)
	a := runTest(t, params, DefaultOptions())
	b := runTest(t, params, DefaultOptions())

	assert.True(t, a.People.Equal(b.People), "identical inputs must give bit-identical people")
	assert.Equal(t, a.Incidence, b.Incidence)
	assert.Equal(t, a.NewTreat, b.NewTreat)
}

func TestSimulator_DoesNotMutateParameters(t *testing.T) {
	params := fullCascadeParams(11)
	before := params.Clone()
	runTest(t, params, DefaultOptions())
	assert.Equal(t, before, params)
}

func TestSimulator_AcquiredEqualsCaused(t *testing.T) {
	params := fullCascadeParams(26)
	res := runTest(t, params, DefaultOptions())

	for ti := 0; ti < len(params.TVec)-1; ti++ {
		acquired, caused, byPop := 0.0, 0.0, 0.0
		for p := range res.Populations {
			acquired += res.Incidence[p][ti]
			byPop += res.IncidenceByPop[p][ti]
		}
		for c := range res.IncidenceBy {
			caused += res.IncidenceBy[c][ti]
		}
		testutil.AssertFloat64Equal(t, "caused by compartment", acquired, caused, 1e-9)
		testutil.AssertFloat64Equal(t, "caused by population", acquired, byPop, 1e-9)
	}
}

func TestSimulator_ConservationWithoutInflows(t *testing.T) {
	// GIVEN no births, ageing, risk movement or size forcing
	params := newTestParams(21)
	res := runTest(t, params, closedOptions())
	dt := params.DT

	// THEN each population only shrinks by its deaths
	for ti := 0; ti < len(params.TVec)-1; ti++ {
		for p := range res.Populations {
			hivDeaths := 0.0
			for c := 0; c < res.Deaths.NComp; c++ {
				hivDeaths += res.Deaths.At(c, p, ti) * dt
			}
			want := res.People.PopTotal(p, ti) - hivDeaths - res.OtherDeaths[p][ti]*dt
			assert.InDelta(t, want, res.People.PopTotal(p, ti+1), 1e-6, "pop %d step %d", p, ti)
		}
	}
}

func TestSimulator_OneStep(t *testing.T) {
	// GIVEN a single time point
	params := newTestParams(1)

	res := runTest(t, params, DefaultOptions())

	// THEN the state is the initial condition and every counter is zero
	cs := NewCompartmentSpace()
	want, err := InitialPeople(cs, params, DefaultOptions(), newTestGuard(cs, params, true))
	require.NoError(t, err)
	for c := range want {
		for p := range want[c] {
			assert.Equal(t, want[c][p], res.People.At(c, p, 0))
		}
	}
	for p := range res.Populations {
		assert.Equal(t, 0.0, res.Incidence[p][0])
		assert.Equal(t, 0.0, res.Diagnoses[p][0])
		assert.Equal(t, 0.0, res.NewTreat[p][0])
		assert.Equal(t, 0.0, res.OtherDeaths[p][0])
	}
	assert.Equal(t, 0.0, res.Deaths.Total(0))
}

func TestSimulator_ZeroInfection(t *testing.T) {
	// GIVEN no partnerships and no initial prevalence
	params := newTestParams(11)
	params.Partnerships = nil
	params.Condom = nil
	params.InitPrev = []float64{0, 0}
	res := runTest(t, params, closedOptions())
	cs := NewCompartmentSpace()

	// THEN susceptibles only decline through background mortality
	bg := 0.02 * params.DT
	for ti := 0; ti < len(params.TVec)-1; ti++ {
		for p := range res.Populations {
			assert.Equal(t, 0.0, res.Incidence[p][ti])
			assert.InDelta(t, res.People.At(cs.SusReg, p, ti)*(1-bg), res.People.At(cs.SusReg, p, ti+1), 1e-6)
			assert.Equal(t, 0.0, res.People.Sum(cs.AllPLHIV, p, ti+1))
		}
	}
}

func TestSimulator_RateDrivenDiagnosis(t *testing.T) {
	// GIVEN HIV testing only, with no AIDS testing and no targets
	params := newTestParams(2)
	params.AIDSTest = nil
	cs := NewCompartmentSpace()
	res := runTest(t, params, closedOptions())

	// THEN diagnoses equal the surviving undiagnosed times the step probability
	q := 1 - math.Exp(-0.2*params.DT)
	bg := 0.02 * params.DT
	for p := range res.Populations {
		want := 0.0
		for h, c := range cs.Undx {
			death := params.Biology.Death[h] * params.DT
			want += res.People.At(c, p, 0) * q * (1 - death) * (1 - bg)
		}
		assert.InDelta(t, want, res.Diagnoses[p][0]*params.DT, 1e-6)
	}
}

func TestSimulator_TargetsAreMet(t *testing.T) {
	params := fullCascadeParams(26)
	res := runTest(t, params, DefaultOptions())
	cs := NewCompartmentSpace()

	last := len(params.TVec) - 1
	for p := range res.Populations {
		plhiv := res.People.Sum(cs.AllPLHIV, p, last)
		dx := res.People.Sum(cs.AllDx, p, last)
		tx := res.People.Sum(cs.AllTx, p, last)
		// demography runs after the cascade, so births and forcing may nudge
		// the proportions slightly
		assert.InDelta(t, 0.8, dx/plhiv, 0.01)
		assert.InDelta(t, 0.7, tx/dx, 0.01)
	}
}

func TestSimulator_StrictModeFailsOnMissingCondom(t *testing.T) {
	params := newTestParams(5)
	params.Condom = map[ActType]map[PopPair][]float64{ActCasual: {}}
	opts := DefaultOptions()
	opts.Strict = true

	_, err := Run(NewCompartmentSpace(), params, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingInput))

	var simErr *SimulationError
	require.True(t, errors.As(err, &simErr))
	assert.Equal(t, 0, simErr.Step)
	assert.Equal(t, 2000.0, simErr.Time)
}

func TestSimulator_TolerantModeRecordsAnomalies(t *testing.T) {
	params := newTestParams(5)
	params.Condom = map[ActType]map[PopPair][]float64{ActCasual: {}}

	res := runTest(t, params, DefaultOptions())

	s := trace.Summarize(res.Trace)
	assert.Equal(t, 2, s.ByKind[trace.KindMissingCondom])
	assert.Equal(t, []string{"men", "women"}, s.Populations)
}

// runWithin runs s and fails the test if Run has not returned within d.
func runWithin(t *testing.T, s *Simulator, d time.Duration) (*RawResults, error) {
	t.Helper()
	type outcome struct {
		res *RawResults
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run()
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(d):
		t.Fatalf("Run did not return within %s", d)
		return nil, nil
	}
}

func TestSimulator_NonFiniteInputs(t *testing.T) {
	t.Run("rejected before the run", func(t *testing.T) {
		params := newTestParams(6)
		params.Death[0][0] = math.NaN()
		_, err := NewSimulator(nil, params, DefaultOptions())
		assert.True(t, errors.Is(err, ErrInvalidValue))
	})

	t.Run("tolerant run completes when a rate turns NaN after validation", func(t *testing.T) {
		// GIVEN a validated simulator whose background death is then corrupted
		params := newTestParams(6)
		s, err := NewSimulator(nil, params, DefaultOptions())
		require.NoError(t, err)
		params.Death[0][0] = math.NaN()

		// WHEN it runs tolerantly
		res, err := runWithin(t, s, 5*time.Second)

		// THEN the rate is replaced, recorded once, and every count stays finite
		require.NoError(t, err)
		assert.Equal(t, 1, res.Trace.Count(trace.KindNonFinite))
		assert.GreaterOrEqual(t, res.People.Min(), 0.0)
		assert.False(t, math.IsNaN(res.People.Total(len(params.TVec)-1)))
	})

	t.Run("strict run fails", func(t *testing.T) {
		params := newTestParams(6)
		opts := DefaultOptions()
		opts.Strict = true
		s, err := NewSimulator(nil, params, opts)
		require.NoError(t, err)
		params.Death[1][2] = math.Inf(1)

		_, err = runWithin(t, s, 5*time.Second)
		assert.True(t, errors.Is(err, ErrNumericalInstability))
	})
}

func TestSimulator_CheckTransitionsResetsUnrepairableRows(t *testing.T) {
	// GIVEN a working copy whose background probability is NaN for men
	cs := NewCompartmentSpace()
	s, err := NewSimulator(cs, newTestParams(2), DefaultOptions())
	require.NoError(t, err)
	s.work.Reset(s.base)
	s.work.ApplyBackground(0, math.NaN())

	// WHEN the rows are checked tolerantly
	done := make(chan error, 1)
	go func() { done <- s.checkTransitions() }()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("checkTransitions did not return")
	}

	// THEN every row of men is reset to self-retention and women are untouched
	require.NoError(t, err)
	_, _, _, _, ok := s.work.Check(s.Options.SumTolerance)
	assert.True(t, ok)
	assert.Equal(t, 0.0, s.work.Background[0])
	assert.Equal(t, cs.N(), s.Trace.Count(trace.KindProbabilitySum))
	for c := 0; c < cs.N(); c++ {
		assert.Equal(t, 1.0, s.work.P[0].At(c, c))
		assert.Equal(t, 0.0, s.work.Death[0][c])
	}
}

func TestSimulator_InvalidTraceLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.TraceLevel = "verbose"
	_, err := NewSimulator(nil, newTestParams(3), opts)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

func TestSimulator_CountsTraceLevelKeepsNoRecords(t *testing.T) {
	params := newTestParams(5)
	params.Condom = map[ActType]map[PopPair][]float64{ActCasual: {}}
	opts := DefaultOptions()
	opts.TraceLevel = trace.TraceLevelCounts

	res := runTest(t, params, opts)

	assert.Equal(t, 2, res.Trace.Count(trace.KindMissingCondom))
	assert.Empty(t, res.Trace.Anomalies)
}

func TestSimulator_InvalidInput(t *testing.T) {
	params := newTestParams(3)
	params.HIVTest = nil
	_, err := NewSimulator(nil, params, DefaultOptions())
	assert.True(t, errors.Is(err, ErrMissingInput))

	_, err = NewSimulator(nil, nil, DefaultOptions())
	assert.True(t, errors.Is(err, ErrMissingInput))
}

func TestSimulator_RunsOnce(t *testing.T) {
	s, err := NewSimulator(nil, newTestParams(3), DefaultOptions())
	require.NoError(t, err)
	_, err = s.Run()
	require.NoError(t, err)
	_, err = s.Run()
	assert.Error(t, err)
}

func TestRawResults_TotalsAndPrint(t *testing.T) {
	cs := NewCompartmentSpace()
	params := fullCascadeParams(11)
	res := runTest(t, params, DefaultOptions())

	tot := res.Totals(cs)
	assert.InDelta(t, res.People.Total(0), tot.People[0], 1e-9)
	assert.InDelta(t, res.Incidence[0][0]+res.Incidence[1][0], tot.Incidence[0], 1e-9)
	assert.Greater(t, tot.PLHIV[0], 0.0)
	assert.Greater(t, tot.Births[0], 0.0)
	assert.Equal(t, 0.0, tot.Incidence[len(tot.Incidence)-1], "the last point has no outgoing step")

	var buf bytes.Buffer
	res.Print(&buf, cs)
	assert.Contains(t, buf.String(), "=== Simulation Results ===")
	assert.Contains(t, buf.String(), "[men women]")
}
