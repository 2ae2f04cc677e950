package sim

import "github.com/hivsim/hivsim/sim/trace"

// Options groups the run-time tolerances and switches of one simulation.
// The zero value is not usable; start from DefaultOptions.
type Options struct {
	Strict bool // fail on numerical instability instead of clamping and logging

	Eps               float64 // floor for probabilities and divisors (must be > 0)
	SumTolerance      float64 // allowed |Σ P + P(death) − (1 − P(background))|
	NegativeTolerance float64 // counts below −NegativeTolerance are instabilities, not rounding

	ReconcileNoInflow    bool    // fill populations without modeled inflows up to PopSize
	ForcePopSize         bool    // rescale non-ART compartments to match PopSize
	MaxPopSizeCorrection float64 // max relative correction per step when forcing population size

	// TreatmentSlack is the number of people by which initial treatment may
	// exceed the infected population before it is reported ("nearest person
	// is fine").
	TreatmentSlack float64

	// TraceLevel selects how much of each tolerant-mode correction is kept
	// on the run's trace. Empty means trace.TraceLevelAnomalies.
	TraceLevel trace.TraceLevel
}

// DefaultOptions returns the tolerant-mode defaults used by calibration and
// optimization sweeps.
func DefaultOptions() Options {
	return Options{
		Strict:               false,
		Eps:                  1e-9,
		SumTolerance:         1e-6,
		NegativeTolerance:    1e-6,
		ReconcileNoInflow:    true,
		ForcePopSize:         false,
		MaxPopSizeCorrection: 0.1,
		TreatmentSlack:       1.0,
		TraceLevel:           trace.TraceLevelAnomalies,
	}
}

// normalized fills non-positive tolerances and an empty trace level with
// their defaults.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Eps <= 0 {
		o.Eps = def.Eps
	}
	if o.SumTolerance <= 0 {
		o.SumTolerance = def.SumTolerance
	}
	if o.NegativeTolerance <= 0 {
		o.NegativeTolerance = def.NegativeTolerance
	}
	if o.MaxPopSizeCorrection <= 0 {
		o.MaxPopSizeCorrection = def.MaxPopSizeCorrection
	}
	if o.TreatmentSlack < 0 {
		o.TreatmentSlack = def.TreatmentSlack
	}
	if o.TraceLevel == "" {
		o.TraceLevel = def.TraceLevel
	}
	return o
}
