package trace

import "testing"

func TestSummarize_NilTrace_ZeroValues(t *testing.T) {
	summary := Summarize(nil)
	if !summary.Clean() {
		t.Errorf("expected clean summary, got total %d", summary.Total)
	}
	if summary.FirstStep != -1 || summary.LastStep != -1 {
		t.Errorf("expected step range -1..-1, got %d..%d", summary.FirstStep, summary.LastStep)
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN a trace with mixed anomaly kinds
	st := NewSimulationTrace(TraceLevelAnomalies)
	st.Record(AnomalyRecord{Step: 4, Kind: KindNegativeCount, Population: "MSM", Value: -2, Corrected: 0})
	st.Record(AnomalyRecord{Step: 2, Kind: KindRatioCapped, Population: "PWID", Value: 1.5, Corrected: 1})
	st.Record(AnomalyRecord{Step: 9, Kind: KindNegativeCount, Population: "MSM", Value: -0.1, Corrected: 0})

	// WHEN summarized
	summary := Summarize(st)

	// THEN counts, step range and corrections match
	if summary.Total != 3 {
		t.Errorf("expected 3 anomalies, got %d", summary.Total)
	}
	if summary.ByKind[KindNegativeCount] != 2 {
		t.Errorf("expected 2 negative-count, got %d", summary.ByKind[KindNegativeCount])
	}
	if summary.FirstStep != 2 || summary.LastStep != 9 {
		t.Errorf("expected step range 2..9, got %d..%d", summary.FirstStep, summary.LastStep)
	}
	if summary.MaxAbsCorrection != 2 {
		t.Errorf("expected max correction 2, got %v", summary.MaxAbsCorrection)
	}
	if len(summary.Populations) != 2 || summary.Populations[0] != "MSM" || summary.Populations[1] != "PWID" {
		t.Errorf("expected sorted populations [MSM PWID], got %v", summary.Populations)
	}
}
