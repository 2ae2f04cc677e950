// Package scenario loads epidemic scenarios from YAML files and resolves them
// into sim.SimulationParameters and sim.Options.
package scenario

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/hivsim/hivsim/sim"
	"github.com/hivsim/hivsim/sim/trace"
)

// Scenario is the top-level scenario configuration.
// Loaded from YAML via Load(path).
type Scenario struct {
	Version string  `yaml:"version"`
	Name    string  `yaml:"name"`
	Start   float64 `yaml:"start"`
	End     float64 `yaml:"end"`
	DT      float64 `yaml:"dt"`

	Options      OptionsSpec       `yaml:"options,omitempty"`
	Populations  []PopulationSpec  `yaml:"populations"`
	Biology      BiologySpec       `yaml:"biology"`
	Transmission TransmissionSpec  `yaml:"transmission"`
	Programs     ProgramsSpec      `yaml:"programs,omitempty"`
	Targets      TargetsSpec       `yaml:"targets,omitempty"`
	Partnerships []PartnershipSpec `yaml:"partnerships,omitempty"`
	Condom       []CondomSpec      `yaml:"condom,omitempty"`

	// Transit matrices are keyed by source then destination population.
	BirthTransit map[string]map[string]float64 `yaml:"birth_transit,omitempty"`
	AgeTransit   map[string]map[string]float64 `yaml:"age_transit,omitempty"`
	RiskTransit  map[string]map[string]float64 `yaml:"risk_transit,omitempty"`

	// InitialPeople overrides the computed initial state; keyed by
	// compartment name, one count per population.
	InitialPeople map[string][]float64 `yaml:"initial_people,omitempty"`
}

// OptionsSpec overrides sim.DefaultOptions. Absent fields keep the default.
type OptionsSpec struct {
	Strict               *bool    `yaml:"strict,omitempty"`
	Eps                  *float64 `yaml:"eps,omitempty"`
	SumTolerance         *float64 `yaml:"sum_tolerance,omitempty"`
	NegativeTolerance    *float64 `yaml:"negative_tolerance,omitempty"`
	ReconcileNoInflow    *bool    `yaml:"reconcile_no_inflow,omitempty"`
	ForcePopSize         *bool    `yaml:"force_pop_size,omitempty"`
	MaxPopSizeCorrection *float64 `yaml:"max_pop_size_correction,omitempty"`
	TreatmentSlack       *float64 `yaml:"treatment_slack,omitempty"`
	TraceLevel           *string  `yaml:"trace_level,omitempty"`
}

// PopulationSpec defines one population and its per-population series.
type PopulationSpec struct {
	Key       string  `yaml:"key"`
	Male      bool    `yaml:"male"`
	Female    bool    `yaml:"female"`
	Injects   bool    `yaml:"injects"`
	SexWorker bool    `yaml:"sex_worker"`
	AgeFrom   float64 `yaml:"age_from"`
	AgeTo     float64 `yaml:"age_to"`

	PopSize         Values `yaml:"pop_size"`
	Death           Values `yaml:"death"`
	HIVTest         Values `yaml:"hiv_test"`
	AIDSTest        Values `yaml:"aids_test,omitempty"`
	LinkToCare      Values `yaml:"link_to_care,omitempty"`
	LeaveCare       Values `yaml:"leave_care,omitempty"`
	ReturnToCare    Values `yaml:"return_to_care,omitempty"`
	TreatRate       Values `yaml:"treat_rate,omitempty"`
	SuppressionRate Values `yaml:"suppression_rate,omitempty"`
	TreatFail       Values `yaml:"treat_fail,omitempty"`
	Circum          Values `yaml:"circum,omitempty"`
	NumCirc         Values `yaml:"num_circ,omitempty"`
	PrEP            Values `yaml:"prep,omitempty"`
	STIPrev         Values `yaml:"sti_prev,omitempty"`
	Birth           Values `yaml:"birth,omitempty"`

	InitPrev float64  `yaml:"init_prev"`
	Force    *float64 `yaml:"force,omitempty"` // default 1
	Inhomo   float64  `yaml:"inhomo,omitempty"`
}

// BiologySpec holds disease progression rates per year, one entry per CD4
// stratum (acute, >500, >350, >200, >50, <50).
type BiologySpec struct {
	Prog      []float64 `yaml:"prog"`       // acute..>50
	SVLRecov  []float64 `yaml:"svl_recov"`  // all strata, first two unused
	USVLProg  []float64 `yaml:"usvl_prog"`  // acute..>50
	USVLRecov []float64 `yaml:"usvl_recov"` // all strata, first two unused
	Death     []float64 `yaml:"death"`
	DeathSVL  float64   `yaml:"death_svl"`
	DeathUSVL float64   `yaml:"death_usvl"`
}

// TransmissionSpec holds per-act transmission probabilities and
// intervention efficacies.
type TransmissionSpec struct {
	TransMFI     float64   `yaml:"trans_mfi"`
	TransMFR     float64   `yaml:"trans_mfr"`
	TransMMI     float64   `yaml:"trans_mmi"`
	TransMMR     float64   `yaml:"trans_mmr"`
	TransInj     float64   `yaml:"trans_inj"`
	CD4Trans     []float64 `yaml:"cd4_trans"`
	CD4TransNorm float64   `yaml:"cd4_trans_norm"`
	EffCondom    float64   `yaml:"eff_condom"`
	EffCirc      float64   `yaml:"eff_circ"`
	EffPrEP      float64   `yaml:"eff_prep"`
	EffSTI       float64   `yaml:"eff_sti"`
	EffOST       float64   `yaml:"eff_ost"`
	EffDx        float64   `yaml:"eff_dx"`
	EffTxUnsupp  float64   `yaml:"eff_tx_unsupp"`
	EffTxSupp    float64   `yaml:"eff_tx_supp"`
	EffPMTCT     float64   `yaml:"eff_pmtct"`
	MTCTBreast   float64   `yaml:"mtct_breast"`
	MTCTNoBreast float64   `yaml:"mtct_no_breast"`
}

// ProgramsSpec holds the population-wide programme series.
type ProgramsSpec struct {
	NumOST            Values  `yaml:"num_ost,omitempty"`
	Breastfeeding     Values  `yaml:"breastfeeding,omitempty"`
	TimeToSuppression float64 `yaml:"time_to_suppression,omitempty"`
}

// TargetsSpec holds the cascade and PMTCT targets.
type TargetsSpec struct {
	PropDx    Targets `yaml:"prop_dx,omitempty"`
	PropCare  Targets `yaml:"prop_care,omitempty"`
	PropTx    Targets `yaml:"prop_tx,omitempty"`
	NumTx     Targets `yaml:"num_tx,omitempty"`
	PropSupp  Targets `yaml:"prop_supp,omitempty"`
	PropPMTCT Targets `yaml:"prop_pmtct,omitempty"`
	NumPMTCT  Targets `yaml:"num_pmtct,omitempty"`
}

// PartnershipSpec is a directed partnership: members of Acquiring acquire
// infection from members of Infecting.
type PartnershipSpec struct {
	Act       string `yaml:"act"` // reg, cas, com or inj
	Acquiring string `yaml:"acquiring"`
	Infecting string `yaml:"infecting"`
	Acts      Values `yaml:"acts"` // per year
}

// CondomSpec is the condom use fraction of one act type between two
// populations, in either orientation.
type CondomSpec struct {
	Act  string    `yaml:"act"`
	Pops [2]string `yaml:"pops"`
	Use  Values    `yaml:"use"`
}

// Load reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if s.Version == "" {
		s.Version = "1"
	}
	logrus.Debugf("loaded scenario %q from %s: %d populations, %d partnerships",
		s.Name, path, len(s.Populations), len(s.Partnerships))
	return &s, nil
}

// NPts returns the number of timesteps from Start to End inclusive.
func (s *Scenario) NPts() int {
	if s.DT <= 0 || s.End < s.Start {
		return 0
	}
	return int(math.Round((s.End-s.Start)/s.DT)) + 1
}

// Validate checks that all fields in the scenario are valid.
func (s *Scenario) Validate() error {
	if s.Version != "1" {
		return fmt.Errorf("unsupported version %q; valid: 1", s.Version)
	}
	if err := validateFinitePositive("dt", s.DT); err != nil {
		return err
	}
	if math.IsNaN(s.Start) || math.IsNaN(s.End) || s.End < s.Start {
		return fmt.Errorf("end (%f) must not be before start (%f)", s.End, s.Start)
	}
	if lvl := s.Options.TraceLevel; lvl != nil && !trace.IsValidTraceLevel(*lvl) {
		return fmt.Errorf("options.trace_level: unknown level %q; valid: counts, anomalies", *lvl)
	}
	npts := s.NPts()
	if len(s.Populations) == 0 {
		return fmt.Errorf("at least one population required")
	}
	keys := make(map[string]bool, len(s.Populations))
	for i := range s.Populations {
		pop := &s.Populations[i]
		if err := validatePopulation(pop, i, npts, s.InitialPeople != nil); err != nil {
			return err
		}
		if keys[pop.Key] {
			return fmt.Errorf("population[%d]: duplicate key %q", i, pop.Key)
		}
		keys[pop.Key] = true
	}
	if err := s.Biology.validate(); err != nil {
		return err
	}
	if err := s.Transmission.validate(); err != nil {
		return err
	}
	if err := s.Programs.NumOST.validate("programs.num_ost", npts); err != nil {
		return err
	}
	if err := s.Programs.Breastfeeding.validate("programs.breastfeeding", npts); err != nil {
		return err
	}
	if s.Programs.TimeToSuppression < 0 {
		return fmt.Errorf("programs.time_to_suppression must be non-negative, got %f", s.Programs.TimeToSuppression)
	}
	if err := s.Targets.validate(npts); err != nil {
		return err
	}
	for i, pt := range s.Partnerships {
		prefix := fmt.Sprintf("partnership[%d]", i)
		if _, err := sim.ParseActType(pt.Act); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		if !keys[pt.Acquiring] || !keys[pt.Infecting] {
			return fmt.Errorf("%s: unknown population in %q <- %q", prefix, pt.Acquiring, pt.Infecting)
		}
		if !pt.Acts.IsSet() {
			return fmt.Errorf("%s: acts required", prefix)
		}
		if err := pt.Acts.validate(prefix+".acts", npts); err != nil {
			return err
		}
	}
	for i, c := range s.Condom {
		prefix := fmt.Sprintf("condom[%d]", i)
		if _, err := sim.ParseActType(c.Act); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		if !keys[c.Pops[0]] || !keys[c.Pops[1]] {
			return fmt.Errorf("%s: unknown population in %v", prefix, c.Pops)
		}
		if !c.Use.IsSet() {
			return fmt.Errorf("%s: use required", prefix)
		}
		if err := c.Use.validate(prefix+".use", npts); err != nil {
			return err
		}
	}
	transits := []struct {
		name string
		m    map[string]map[string]float64
	}{
		{"birth_transit", s.BirthTransit}, {"age_transit", s.AgeTransit}, {"risk_transit", s.RiskTransit},
	}
	for _, tr := range transits {
		if err := validateTransit(tr.name, tr.m, keys); err != nil {
			return err
		}
	}
	for name, counts := range s.InitialPeople {
		if len(counts) != len(s.Populations) {
			return fmt.Errorf("initial_people.%s has %d entries, want %d", name, len(counts), len(s.Populations))
		}
		for i, v := range counts {
			if err := validateFiniteNonNegative(fmt.Sprintf("initial_people.%s[%d]", name, i), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePopulation(pop *PopulationSpec, idx, npts int, explicitInit bool) error {
	prefix := fmt.Sprintf("population[%d]", idx)
	if pop.Key == "" {
		return fmt.Errorf("%s: key required", prefix)
	}
	prefix = fmt.Sprintf("population %q", pop.Key)
	if pop.Male && pop.Female {
		return fmt.Errorf("%s: cannot be both male and female", prefix)
	}
	if pop.AgeTo < pop.AgeFrom {
		return fmt.Errorf("%s: age_to (%f) must not be below age_from (%f)", prefix, pop.AgeTo, pop.AgeFrom)
	}
	required := []struct {
		name string
		v    Values
	}{
		{"pop_size", pop.PopSize}, {"death", pop.Death}, {"hiv_test", pop.HIVTest},
	}
	for _, r := range required {
		if !r.v.IsSet() {
			return fmt.Errorf("%s: %s required", prefix, r.name)
		}
	}
	for _, f := range pop.series() {
		if err := f.v.validate(prefix+"."+f.name, npts); err != nil {
			return err
		}
	}
	if !explicitInit && (pop.InitPrev < 0 || pop.InitPrev > 1 || math.IsNaN(pop.InitPrev)) {
		return fmt.Errorf("%s: init_prev must be in [0, 1], got %f", prefix, pop.InitPrev)
	}
	if pop.Force != nil {
		if err := validateFiniteNonNegative(prefix+".force", *pop.Force); err != nil {
			return err
		}
	}
	return validateFiniteNonNegative(prefix+".inhomo", pop.Inhomo)
}

type namedValues struct {
	name string
	v    Values
	dst  func(*sim.SimulationParameters) *sim.Series
}

// series lists every per-population series with the parameter field it
// resolves into.
func (pop *PopulationSpec) series() []namedValues {
	return []namedValues{
		{"pop_size", pop.PopSize, func(sp *sim.SimulationParameters) *sim.Series { return &sp.PopSize }},
		{"death", pop.Death, func(sp *sim.SimulationParameters) *sim.Series { return &sp.Death }},
		{"hiv_test", pop.HIVTest, func(sp *sim.SimulationParameters) *sim.Series { return &sp.HIVTest }},
		{"aids_test", pop.AIDSTest, func(sp *sim.SimulationParameters) *sim.Series { return &sp.AIDSTest }},
		{"link_to_care", pop.LinkToCare, func(sp *sim.SimulationParameters) *sim.Series { return &sp.LinkToCare }},
		{"leave_care", pop.LeaveCare, func(sp *sim.SimulationParameters) *sim.Series { return &sp.LeaveCare }},
		{"return_to_care", pop.ReturnToCare, func(sp *sim.SimulationParameters) *sim.Series { return &sp.ReturnToCare }},
		{"treat_rate", pop.TreatRate, func(sp *sim.SimulationParameters) *sim.Series { return &sp.TreatRate }},
		{"suppression_rate", pop.SuppressionRate, func(sp *sim.SimulationParameters) *sim.Series { return &sp.SuppressionRate }},
		{"treat_fail", pop.TreatFail, func(sp *sim.SimulationParameters) *sim.Series { return &sp.TreatFail }},
		{"circum", pop.Circum, func(sp *sim.SimulationParameters) *sim.Series { return &sp.Circum }},
		{"num_circ", pop.NumCirc, func(sp *sim.SimulationParameters) *sim.Series { return &sp.NumCirc }},
		{"prep", pop.PrEP, func(sp *sim.SimulationParameters) *sim.Series { return &sp.PrEP }},
		{"sti_prev", pop.STIPrev, func(sp *sim.SimulationParameters) *sim.Series { return &sp.STIPrev }},
		{"birth", pop.Birth, func(sp *sim.SimulationParameters) *sim.Series { return &sp.Birth }},
	}
}

func (b *BiologySpec) validate() error {
	arrays := []struct {
		name string
		v    []float64
		n    int
	}{
		{"biology.prog", b.Prog, sim.NumCD4 - 1},
		{"biology.svl_recov", b.SVLRecov, sim.NumCD4},
		{"biology.usvl_prog", b.USVLProg, sim.NumCD4 - 1},
		{"biology.usvl_recov", b.USVLRecov, sim.NumCD4},
		{"biology.death", b.Death, sim.NumCD4},
	}
	for _, a := range arrays {
		if len(a.v) != a.n {
			return fmt.Errorf("%s has %d entries, want %d", a.name, len(a.v), a.n)
		}
		for i, v := range a.v {
			if err := validateFiniteNonNegative(fmt.Sprintf("%s[%d]", a.name, i), v); err != nil {
				return err
			}
		}
	}
	for i, v := range b.Prog {
		if err := validateFinitePositive(fmt.Sprintf("biology.prog[%d]", i), v); err != nil {
			return err
		}
	}
	if err := validateFiniteNonNegative("biology.death_svl", b.DeathSVL); err != nil {
		return err
	}
	return validateFiniteNonNegative("biology.death_usvl", b.DeathUSVL)
}

func (tr *TransmissionSpec) validate() error {
	if len(tr.CD4Trans) != sim.NumCD4 {
		return fmt.Errorf("transmission.cd4_trans has %d entries, want %d", len(tr.CD4Trans), sim.NumCD4)
	}
	probs := map[string]float64{
		"trans_mfi": tr.TransMFI, "trans_mfr": tr.TransMFR, "trans_mmi": tr.TransMMI,
		"trans_mmr": tr.TransMMR, "trans_inj": tr.TransInj,
		"eff_condom": tr.EffCondom, "eff_circ": tr.EffCirc, "eff_prep": tr.EffPrEP,
		"eff_ost": tr.EffOST, "eff_dx": tr.EffDx, "eff_tx_unsupp": tr.EffTxUnsupp,
		"eff_tx_supp": tr.EffTxSupp, "eff_pmtct": tr.EffPMTCT,
		"mtct_breast": tr.MTCTBreast, "mtct_no_breast": tr.MTCTNoBreast,
	}
	for name, v := range probs {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("transmission.%s must be in [0, 1], got %f", name, v)
		}
	}
	for i, v := range tr.CD4Trans {
		if err := validateFiniteNonNegative(fmt.Sprintf("transmission.cd4_trans[%d]", i), v); err != nil {
			return err
		}
	}
	if err := validateFinitePositive("transmission.cd4_trans_norm", tr.CD4TransNorm); err != nil {
		return err
	}
	return validateFiniteNonNegative("transmission.eff_sti", tr.EffSTI)
}

func (ts *TargetsSpec) validate(npts int) error {
	targets := []struct {
		name       string
		t          Targets
		proportion bool
	}{
		{"targets.prop_dx", ts.PropDx, true},
		{"targets.prop_care", ts.PropCare, true},
		{"targets.prop_tx", ts.PropTx, true},
		{"targets.num_tx", ts.NumTx, false},
		{"targets.prop_supp", ts.PropSupp, true},
		{"targets.prop_pmtct", ts.PropPMTCT, false},
		{"targets.num_pmtct", ts.NumPMTCT, false},
	}
	for _, tg := range targets {
		if err := tg.t.validate(tg.name, npts, tg.proportion); err != nil {
			return err
		}
	}
	return nil
}

func validateTransit(name string, m map[string]map[string]float64, keys map[string]bool) error {
	for from, row := range m {
		if !keys[from] {
			return fmt.Errorf("%s: unknown population %q", name, from)
		}
		for to, v := range row {
			if !keys[to] {
				return fmt.Errorf("%s.%s: unknown population %q", name, from, to)
			}
			if err := validateFiniteNonNegative(fmt.Sprintf("%s.%s.%s", name, from, to), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, val)
	}
	return nil
}

func validateFiniteNonNegative(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val < 0 {
		return fmt.Errorf("%s must be non-negative, got %f", name, val)
	}
	return nil
}
