// Aggregates per-step counts of a run into annualized time series.

package sim

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/hivsim/hivsim/sim/trace"
)

// RawResults is the output of one run. Count series are annualized (people
// per year) and indexed [pop][t]; the entry at t describes the step from t to
// t+1, so the last entry is always zero.
type RawResults struct {
	TVec         []float64
	Populations  []string
	Compartments []string

	People *PopulationTensor // [comp][pop][t]

	// Incidence is new infections acquired, by acquiring population. It is
	// counted before background mortality, so the number that actually
	// reaches undx_acute at t+1 is Incidence·(1−background) of the step.
	Incidence      Series
	IncidenceBy    [][]float64 // [comp][t] new infections caused, by transmitting compartment
	IncidenceByPop Series      // new infections caused, by transmitting population
	Births         Series
	MTCT           Series
	HIVBirths      Series
	ReceivePMTCT   Series
	Diagnoses      Series
	NewCare        Series
	NewTreat       Series
	NewSupp        Series
	Deaths         *PopulationTensor // [comp][pop][t] HIV-related deaths
	OtherDeaths    Series            // background deaths

	Trace *trace.SimulationTrace
}

// NewRawResults allocates zeroed results for a run.
func NewRawResults(space *CompartmentSpace, params *SimulationParameters, tr *trace.SimulationTrace) *RawResults {
	npops, npts, n := params.NPops(), params.NPts(), space.N()
	pops := make([]string, npops)
	for p, pop := range params.Populations {
		pops[p] = pop.Key
	}
	incBy := make([][]float64, n)
	for c := range incBy {
		incBy[c] = make([]float64, npts)
	}
	return &RawResults{
		TVec:           append([]float64(nil), params.TVec...),
		Populations:    pops,
		Compartments:   space.Names(),
		People:         NewPopulationTensor(n, npops, npts),
		Incidence:      NewSeries(npops, npts),
		IncidenceBy:    incBy,
		IncidenceByPop: NewSeries(npops, npts),
		Births:         NewSeries(npops, npts),
		MTCT:           NewSeries(npops, npts),
		HIVBirths:      NewSeries(npops, npts),
		ReceivePMTCT:   NewSeries(npops, npts),
		Diagnoses:      NewSeries(npops, npts),
		NewCare:        NewSeries(npops, npts),
		NewTreat:       NewSeries(npops, npts),
		NewSupp:        NewSeries(npops, npts),
		Deaths:         NewPopulationTensor(n, npops, npts),
		OtherDeaths:    NewSeries(npops, npts),
		Trace:          tr,
	}
}

// annualize divides every count series by dt.
func (r *RawResults) annualize(dt float64) {
	inv := 1 / dt
	for _, s := range r.countSeries() {
		for _, row := range s {
			floats.Scale(inv, row)
		}
	}
	for _, row := range r.IncidenceBy {
		floats.Scale(inv, row)
	}
	r.Deaths.scale(inv)
}

func (r *RawResults) countSeries() []Series {
	return []Series{
		r.Incidence, r.IncidenceByPop, r.Births, r.MTCT, r.HIVBirths, r.ReceivePMTCT,
		r.Diagnoses, r.NewCare, r.NewTreat, r.NewSupp, r.OtherDeaths,
	}
}

// Totals holds population-summed time series of a run.
type Totals struct {
	People      []float64
	PLHIV       []float64
	Incidence   []float64
	Diagnoses   []float64
	NewTreat    []float64
	Births      []float64
	MTCT        []float64
	Deaths      []float64
	OtherDeaths []float64
}

// Totals sums the per-population series over populations.
func (r *RawResults) Totals(space *CompartmentSpace) Totals {
	npts := len(r.TVec)
	tot := Totals{
		People:      make([]float64, npts),
		PLHIV:       make([]float64, npts),
		Incidence:   sumPops(r.Incidence, npts),
		Diagnoses:   sumPops(r.Diagnoses, npts),
		NewTreat:    sumPops(r.NewTreat, npts),
		Births:      sumPops(r.Births, npts),
		MTCT:        sumPops(r.MTCT, npts),
		Deaths:      make([]float64, npts),
		OtherDeaths: sumPops(r.OtherDeaths, npts),
	}
	for t := 0; t < npts; t++ {
		tot.People[t] = r.People.Total(t)
		tot.Deaths[t] = r.Deaths.Total(t)
		for p := range r.Populations {
			tot.PLHIV[t] += r.People.Sum(space.AllPLHIV, p, t)
		}
	}
	return tot
}

func sumPops(s Series, npts int) []float64 {
	out := make([]float64, npts)
	for _, row := range s {
		floats.Add(out, row)
	}
	return out
}

// Print writes a short summary of the run to w.
func (r *RawResults) Print(w io.Writer, space *CompartmentSpace) {
	tot := r.Totals(space)
	last := len(r.TVec) - 1
	fmt.Fprintln(w, "=== Simulation Results ===")
	fmt.Fprintf(w, "Time range           : %g - %g (%d points)\n", r.TVec[0], r.TVec[last], len(r.TVec))
	fmt.Fprintf(w, "Populations          : %v\n", r.Populations)
	fmt.Fprintf(w, "People (start/end)   : %.0f / %.0f\n", tot.People[0], tot.People[last])
	fmt.Fprintf(w, "PLHIV (start/end)    : %.0f / %.0f\n", tot.PLHIV[0], tot.PLHIV[last])
	if last > 0 {
		fmt.Fprintf(w, "Incidence (first yr) : %.1f /yr\n", tot.Incidence[0])
		fmt.Fprintf(w, "Incidence (last yr)  : %.1f /yr\n", tot.Incidence[last-1])
		fmt.Fprintf(w, "HIV deaths (last yr) : %.1f /yr\n", tot.Deaths[last-1])
	}
	if r.Trace != nil {
		s := trace.Summarize(r.Trace)
		fmt.Fprintf(w, "Anomalies            : %d\n", s.Total)
		kinds := make([]string, 0, len(s.ByKind))
		for kind := range s.ByKind {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(w, "  %-20s: %d\n", kind, s.ByKind[trace.AnomalyKind(kind)])
		}
	}
}
