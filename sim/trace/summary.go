package trace

import (
	"math"
	"sort"
)

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	Total            int
	ByKind           map[AnomalyKind]int
	FirstStep        int // -1 when no records are kept
	LastStep         int // -1 when no records are kept
	MaxAbsCorrection float64
	Populations      []string // populations that saw at least one anomaly, sorted
}

// Clean reports whether no anomaly was recorded.
func (s *TraceSummary) Clean() bool { return s.Total == 0 }

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		ByKind:    make(map[AnomalyKind]int),
		FirstStep: -1,
		LastStep:  -1,
	}
	if st == nil {
		return summary
	}
	for kind, n := range st.counts {
		summary.ByKind[kind] = n
		summary.Total += n
	}

	pops := make(map[string]bool)
	for i, a := range st.Anomalies {
		if i == 0 || a.Step < summary.FirstStep {
			summary.FirstStep = a.Step
		}
		if a.Step > summary.LastStep {
			summary.LastStep = a.Step
		}
		if d := math.Abs(a.Corrected - a.Value); d > summary.MaxAbsCorrection {
			summary.MaxAbsCorrection = d
		}
		if a.Population != "" {
			pops[a.Population] = true
		}
	}
	for p := range pops {
		summary.Populations = append(summary.Populations, p)
	}
	sort.Strings(summary.Populations)
	return summary
}
