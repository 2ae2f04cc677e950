package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetsAt(npts, t int, v float64) []Target {
	ts := UnsetTargets(npts)
	ts[t] = FixedTarget(v)
	return ts
}

func TestCascade_ProportionTreatedTarget(t *testing.T) {
	// GIVEN 10,000 diagnosed people in care and a 90% treatment target
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropTx = targetsAt(2, 1, 0.9)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Care[CD4Gt350], 0, 1, 4000)
	people.Set(cs.Care[CD4Gt200], 0, 1, 3000)
	people.Set(cs.Care[CD4Gt50], 0, 1, 2000)
	people.Set(cs.Care[CD4Lt50], 0, 1, 1000)

	// WHEN the step is reconciled
	cc := NewCascadeController(cs, params, 1e-9)
	counts := NewCascadeCounts(2)
	cc.Reconcile(1, people, counts)

	// THEN 9,000 are on treatment, the most advanced strata first
	assert.InDelta(t, 9000, people.Sum(cs.AllTx, 0, 1), 1e-9)
	assert.InDelta(t, 9000, counts.NewTreat[0], 1e-9)
	assert.Equal(t, 1000.0, people.At(cs.USVL[CD4Lt50], 0, 1))
	assert.Equal(t, 2000.0, people.At(cs.USVL[CD4Gt50], 0, 1))
	assert.Equal(t, 3000.0, people.At(cs.USVL[CD4Gt200], 0, 1))
	assert.Equal(t, 3000.0, people.At(cs.USVL[CD4Gt350], 0, 1))
	assert.Equal(t, 1000.0, people.At(cs.Care[CD4Gt350], 0, 1))
	assert.InDelta(t, 10000, people.PopTotal(0, 1), 1e-9)
}

func TestCascade_TreatmentSourcesInOrder(t *testing.T) {
	// GIVEN one stratum with people in care, diagnosed and lost
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropTx = targetsAt(2, 1, 0.5)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Care[CD4Gt200], 0, 1, 100)
	people.Set(cs.Dx[CD4Gt200], 0, 1, 200)
	people.Set(cs.Lost[CD4Gt200], 0, 1, 100)

	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, NewCascadeCounts(2))

	// THEN care is drained before diagnosed, and lost is untouched
	assert.Equal(t, 0.0, people.At(cs.Care[CD4Gt200], 0, 1))
	assert.Equal(t, 100.0, people.At(cs.Dx[CD4Gt200], 0, 1))
	assert.Equal(t, 100.0, people.At(cs.Lost[CD4Gt200], 0, 1))
	assert.Equal(t, 200.0, people.At(cs.USVL[CD4Gt200], 0, 1))
}

func TestCascade_NumberTreatedSplitByDiagnosedShare(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.NumTx = targetsAt(2, 1, 2000)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Care[CD4Gt350], 0, 1, 3000)
	people.Set(cs.Care[CD4Gt350], 1, 1, 1000)

	counts := NewCascadeCounts(2)
	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, counts)

	assert.InDelta(t, 1500, people.Sum(cs.AllTx, 0, 1), 1e-9)
	assert.InDelta(t, 500, people.Sum(cs.AllTx, 1, 1), 1e-9)
	assert.InDelta(t, 2000, counts.NewTreat[0]+counts.NewTreat[1], 1e-9)
}

func TestCascade_TreatmentAboveTargetReturnsToCare(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropTx = targetsAt(2, 1, 0.5)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.USVL[CD4Gt500], 0, 1, 600)
	people.Set(cs.SVL[CD4Gt500], 0, 1, 200)
	people.Set(cs.Care[CD4Gt500], 0, 1, 200)

	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, NewCascadeCounts(2))

	// 300 leave treatment proportionally: 225 from usvl, 75 from svl
	assert.InDelta(t, 500, people.Sum(cs.AllTx, 0, 1), 1e-9)
	assert.InDelta(t, 375, people.At(cs.USVL[CD4Gt500], 0, 1), 1e-9)
	assert.InDelta(t, 125, people.At(cs.SVL[CD4Gt500], 0, 1), 1e-9)
	assert.InDelta(t, 500, people.At(cs.Care[CD4Gt500], 0, 1), 1e-9)
}

func TestCascade_DiagnosisTarget(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropDx = targetsAt(2, 1, 0.6)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Undx[CD4Gt500], 0, 1, 800)
	people.Set(cs.Undx[CD4Lt50], 0, 1, 100)
	people.Set(cs.Dx[CD4Gt500], 0, 1, 100)
	// population 1 is over-diagnosed
	people.Set(cs.Undx[CD4Gt500], 1, 1, 100)
	people.Set(cs.Dx[CD4Gt500], 1, 1, 900)

	counts := NewCascadeCounts(2)
	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, counts)

	assert.InDelta(t, 600, people.Sum(cs.AllDx, 0, 1), 1e-9)
	assert.InDelta(t, 500, counts.Diagnoses[0], 1e-9)
	assert.Equal(t, 100.0, people.At(cs.Dx[CD4Lt50], 0, 1), "most advanced diagnosed first")
	assert.InDelta(t, 600, people.Sum(cs.AllDx, 1, 1), 1e-9)
	assert.Equal(t, 0.0, counts.Diagnoses[1], "undiagnosing is not counted as diagnoses")
}

func TestCascade_CareTarget(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropCare = targetsAt(2, 1, 0.75)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Dx[CD4Gt350], 0, 1, 300)
	people.Set(cs.Lost[CD4Gt350], 0, 1, 200)
	people.Set(cs.Care[CD4Gt350], 0, 1, 100)
	people.Set(cs.USVL[CD4Gt350], 0, 1, 200)

	counts := NewCascadeCounts(2)
	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, counts)

	// 800 diagnosed, 600 wanted in care (incl. on ART), 300 move from dx
	assert.InDelta(t, 600, people.Sum(cs.AllCare, 0, 1), 1e-9)
	assert.InDelta(t, 300, counts.NewCare[0], 1e-9)
	assert.Equal(t, 0.0, people.At(cs.Dx[CD4Gt350], 0, 1))
	assert.Equal(t, 200.0, people.At(cs.Lost[CD4Gt350], 0, 1))
}

func TestCascade_SuppressionTarget(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropSupp = targetsAt(2, 1, 0.8)
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.USVL[CD4Gt200], 0, 1, 1000)

	counts := NewCascadeCounts(2)
	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, counts)

	assert.InDelta(t, 800, people.At(cs.SVL[CD4Gt200], 0, 1), 1e-9)
	assert.InDelta(t, 800, counts.NewSupp[0], 1e-9)
}

func TestCascade_PreviousInitiatorsSuppressFirst(t *testing.T) {
	// GIVEN 100 people started ART last step in >200
	cs := NewCompartmentSpace()
	params := newTestParams(3)
	params.PropSupp = targetsAt(3, 2, 0)
	params.TimeToSuppression = 0.5
	cc := NewCascadeController(cs, params, 1e-9)
	cc.RecordInitiators(0, CD4Gt200, 100)
	people := NewPopulationTensor(cs.N(), 2, 3)
	cc.Reconcile(1, people, NewCascadeCounts(2))
	people.Set(cs.USVL[CD4Gt200], 0, 2, 1000)

	// WHEN the suppression target applies at the next step
	counts := NewCascadeCounts(2)
	cc.Reconcile(2, people, counts)

	// THEN a fraction of the initiators is suppressed before the target
	// pulls the suppressed share back down to zero
	psupp := stepProb(1/0.5, params.DT)
	assert.InDelta(t, 100*psupp, counts.NewSupp[0], 1e-9)
	assert.InDelta(t, 0, people.At(cs.SVL[CD4Gt200], 0, 2), 1e-9)
	assert.InDelta(t, 1000, people.At(cs.USVL[CD4Gt200], 0, 2), 1e-9)
}

func TestCascade_PlanSkipsTargetDrivenJunctions(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropDx = targetsAt(2, 1, 0.5)
	base, err := BuildBaseTransitions(cs, params.Biology, nil, params.DT, 1e-9)
	require.NoError(t, err)
	w := NewWorkingTransitions(cs, nil, 2)
	w.Reset(base)

	cc := NewCascadeController(cs, params, 1e-9)
	assert.True(t, cc.TargetDriven(JunctionDiagnosis, 1))
	assert.False(t, cc.TargetDriven(JunctionDiagnosis, 0))
	cc.Plan(0, w)

	current := make([]float64, cs.N())
	current[cs.Undx[CD4Gt500]] = 1000
	current[cs.Dx[CD4Gt500]] = 1000
	assert.Equal(t, 0.0, w.Flow(0, current, cs.Undx, cs.Dx), "diagnosis is target-driven")
	assert.Greater(t, w.Flow(0, current, cs.Dx, cs.Care), 0.0, "linkage stays rate-driven")
}

func TestCascade_PlanUsesAIDSTestingForAdvancedStrata(t *testing.T) {
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	base, err := BuildBaseTransitions(cs, params.Biology, nil, params.DT, 1e-9)
	require.NoError(t, err)
	w := NewWorkingTransitions(cs, nil, 2)
	w.Reset(base)
	NewCascadeController(cs, params, 1e-9).Plan(0, w)

	early := make([]float64, cs.N())
	early[cs.Undx[CD4Gt350]] = 1000
	late := make([]float64, cs.N())
	late[cs.Undx[CD4Lt50]] = 1000
	assert.Greater(t, w.Flow(0, late, cs.Undx, cs.Dx), w.Flow(0, early, cs.Undx, cs.Dx))
}

func TestJunction_String(t *testing.T) {
	assert.Equal(t, "treatment", JunctionTreatment.String())
	assert.Len(t, junctionOrder, 7)
}

func TestCascade_CarryForwardKeepsPreviousShare(t *testing.T) {
	// GIVEN 40% of diagnosed in care at t=0 and a carry-forward target at t=1
	cs := NewCompartmentSpace()
	params := newTestParams(2)
	params.PropCare = []Target{{}, {Kind: CarryForward}}
	people := NewPopulationTensor(cs.N(), 2, 2)
	people.Set(cs.Dx[CD4Gt350], 0, 0, 600)
	people.Set(cs.Care[CD4Gt350], 0, 0, 400)
	people.Set(cs.Dx[CD4Gt350], 0, 1, 900)
	people.Set(cs.Care[CD4Gt350], 0, 1, 100)

	// WHEN step 1 is reconciled
	NewCascadeController(cs, params, 1e-9).Reconcile(1, people, NewCascadeCounts(2))

	// THEN the share in care returns to 40%
	assert.InDelta(t, 400, people.Sum(cs.AllCare, 0, 1), 1e-9)
	assert.InDelta(t, 1000, people.Sum(cs.AllDx, 0, 1), 1e-9)
}
