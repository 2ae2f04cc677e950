package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/hivsim/hivsim/sim"
	"github.com/hivsim/hivsim/sim/ensemble"
	"github.com/hivsim/hivsim/sim/trace"
)

// resultsFile is the serialized form of one run: annualized totals,
// per-population incidence, the anomaly summary and the final state. The
// final state is keyed by compartment name like a scenario's initial_people,
// so a later scenario can start where this run ended.
type resultsFile struct {
	Scenario    string               `json:"scenario" yaml:"scenario"`
	Time        []float64            `json:"time" yaml:"time"`
	Populations []string             `json:"populations" yaml:"populations"`
	Totals      totalsFile           `json:"totals" yaml:"totals"`
	Incidence   map[string][]float64 `json:"incidence_by_population" yaml:"incidence_by_population"`
	Anomalies   anomaliesFile        `json:"anomalies" yaml:"anomalies"`
	FinalState  map[string][]float64 `json:"final_state" yaml:"final_state"`
}

type totalsFile struct {
	People      []float64 `json:"people" yaml:"people"`
	PLHIV       []float64 `json:"plhiv" yaml:"plhiv"`
	Incidence   []float64 `json:"incidence" yaml:"incidence"`
	Diagnoses   []float64 `json:"diagnoses" yaml:"diagnoses"`
	NewTreat    []float64 `json:"new_treatment" yaml:"new_treatment"`
	Births      []float64 `json:"births" yaml:"births"`
	MTCT        []float64 `json:"mtct" yaml:"mtct"`
	Deaths      []float64 `json:"hiv_deaths" yaml:"hiv_deaths"`
	OtherDeaths []float64 `json:"other_deaths" yaml:"other_deaths"`
}

type anomaliesFile struct {
	Total       int            `json:"total" yaml:"total"`
	ByKind      map[string]int `json:"by_kind,omitempty" yaml:"by_kind,omitempty"`
	Populations []string       `json:"populations,omitempty" yaml:"populations,omitempty"`
}

// ensembleFile is the serialized form of an ensemble run.
type ensembleFile struct {
	Scenario  string            `json:"scenario" yaml:"scenario"`
	Seed      int64             `json:"seed" yaml:"seed"`
	Quantile  float64           `json:"quantile" yaml:"quantile"`
	Time      []float64         `json:"time" yaml:"time"`
	Force     [][]float64       `json:"member_force" yaml:"member_force"`
	PLHIV     ensemble.Envelope `json:"plhiv" yaml:"plhiv"`
	Incidence ensemble.Envelope `json:"incidence" yaml:"incidence"`
}

func newTotalsFile(tot sim.Totals) totalsFile {
	return totalsFile{
		People:      tot.People,
		PLHIV:       tot.PLHIV,
		Incidence:   tot.Incidence,
		Diagnoses:   tot.Diagnoses,
		NewTreat:    tot.NewTreat,
		Births:      tot.Births,
		MTCT:        tot.MTCT,
		Deaths:      tot.Deaths,
		OtherDeaths: tot.OtherDeaths,
	}
}

func newResultsFile(name string, res *sim.RawResults, space *sim.CompartmentSpace) resultsFile {
	out := resultsFile{
		Scenario:    name,
		Time:        res.TVec,
		Populations: res.Populations,
		Totals:      newTotalsFile(res.Totals(space)),
		Incidence:   make(map[string][]float64, len(res.Populations)),
	}
	for p, key := range res.Populations {
		out.Incidence[key] = res.Incidence[p]
	}
	final := res.People.Slice(len(res.TVec) - 1)
	out.FinalState = make(map[string][]float64, len(final))
	for c, row := range final {
		out.FinalState[res.Compartments[c]] = row
	}
	summary := trace.Summarize(res.Trace)
	out.Anomalies = anomaliesFile{Total: summary.Total, Populations: summary.Populations}
	if len(summary.ByKind) > 0 {
		out.Anomalies.ByKind = make(map[string]int, len(summary.ByKind))
		for kind, n := range summary.ByKind {
			out.Anomalies.ByKind[string(kind)] = n
		}
	}
	return out
}

// writeResults encodes v by the file extension: YAML for .yaml and .yml,
// indented JSON otherwise.
func writeResults(path string, v any) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(v)
	default:
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	logrus.Infof("Results written to %s", path)
	return nil
}
