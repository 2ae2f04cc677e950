package trace

// TraceLevel controls the verbosity of anomaly tracing.
type TraceLevel string

const (
	// TraceLevelCounts keeps per-kind counters only.
	TraceLevelCounts TraceLevel = "counts"
	// TraceLevelAnomalies keeps every anomaly record.
	TraceLevelAnomalies TraceLevel = "anomalies"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelCounts:    true,
	TraceLevelAnomalies: true,
	"":                  true, // empty defaults to anomalies
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// SimulationTrace collects anomaly records during one simulation run.
// Not safe for concurrent use; each run owns its trace.
type SimulationTrace struct {
	Level     TraceLevel
	Anomalies []AnomalyRecord
	counts    map[AnomalyKind]int
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(level TraceLevel) *SimulationTrace {
	if level == "" {
		level = TraceLevelAnomalies
	}
	return &SimulationTrace{
		Level:     level,
		Anomalies: make([]AnomalyRecord, 0),
		counts:    make(map[AnomalyKind]int),
	}
}

// Record counts the anomaly and, at TraceLevelAnomalies, appends it.
func (st *SimulationTrace) Record(record AnomalyRecord) {
	st.counts[record.Kind]++
	if st.Level == TraceLevelAnomalies {
		st.Anomalies = append(st.Anomalies, record)
	}
}

// Count returns the number of anomalies of the given kind.
func (st *SimulationTrace) Count(kind AnomalyKind) int {
	return st.counts[kind]
}

// Len returns the total number of anomalies recorded at any level.
func (st *SimulationTrace) Len() int {
	total := 0
	for _, n := range st.counts {
		total += n
	}
	return total
}
