// Package trace records the numerical corrections applied by a tolerant-mode
// simulation run so that a caller can decide whether to re-run strictly.
// This package has no dependencies on sim/ and stores pure data types.
package trace

// AnomalyKind names the class of numerical condition that was corrected.
type AnomalyKind string

const (
	KindNegativeCount     AnomalyKind = "negative-count"
	KindProbabilitySum    AnomalyKind = "probability-sum"
	KindZeroDenominator   AnomalyKind = "zero-denominator"
	KindRatioCapped       AnomalyKind = "ratio-capped"
	KindMissingCondom     AnomalyKind = "missing-condom"
	KindPopSizeCorrection AnomalyKind = "popsize-correction"
	KindTreatmentExcess   AnomalyKind = "treatment-exceeds-infected"
	KindTargetUnreachable AnomalyKind = "target-unreachable"
	KindNonFinite         AnomalyKind = "non-finite"
)

// AnomalyRecord captures a single tolerant-mode correction.
type AnomalyRecord struct {
	Step        int
	Time        float64
	Kind        AnomalyKind
	Compartment string  // empty when not compartment-specific
	Population  string  // empty when not population-specific
	Value       float64 // offending value
	Corrected   float64 // value substituted
	Detail      string
}
