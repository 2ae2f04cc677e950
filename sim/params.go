package sim

import (
	"fmt"
	"math"
)

// Population is one demographic group of the model.
type Population struct {
	Key       string
	Male      bool
	Female    bool
	Injects   bool
	SexWorker bool
	AgeFrom   float64
	AgeTo     float64
}

// Series is a per-population, per-timestep array indexed [pop][t].
type Series [][]float64

// NewSeries allocates a zero series for npops populations and npts steps.
func NewSeries(npops, npts int) Series {
	s := make(Series, npops)
	for p := range s {
		s[p] = make([]float64, npts)
	}
	return s
}

// Clone returns a deep copy of the series.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	for p := range s {
		out[p] = append([]float64(nil), s[p]...)
	}
	return out
}

// TargetKind tags how a cascade or PMTCT junction is driven at a timestep.
type TargetKind uint8

const (
	// Unset means no target: the junction is rate-driven.
	Unset TargetKind = iota
	// Fixed means the junction is forced to Value.
	Fixed
	// CarryForward reuses the proportion realised at the previous step.
	CarryForward
)

// Target is an explicitly tagged optional target value.
type Target struct {
	Kind  TargetKind
	Value float64
}

// FixedTarget returns a Target forcing the junction to v.
func FixedTarget(v float64) Target { return Target{Kind: Fixed, Value: v} }

// IsSet reports whether the target drives the junction.
func (t Target) IsSet() bool { return t.Kind != Unset }

// UnsetTargets returns npts rate-driven targets.
func UnsetTargets(npts int) []Target { return make([]Target, npts) }

// FixedTargets returns npts copies of FixedTarget(v).
func FixedTargets(npts int, v float64) []Target {
	out := make([]Target, npts)
	for i := range out {
		out[i] = FixedTarget(v)
	}
	return out
}

// ActType identifies a kind of partnership.
type ActType int

const (
	ActRegular ActType = iota
	ActCasual
	ActCommercial
	ActInjecting
)

var actNames = map[ActType]string{
	ActRegular:    "reg",
	ActCasual:     "cas",
	ActCommercial: "com",
	ActInjecting:  "inj",
}

func (a ActType) String() string {
	if n, ok := actNames[a]; ok {
		return n
	}
	return fmt.Sprintf("act(%d)", int(a))
}

// ParseActType maps "reg", "cas", "com" or "inj" to an ActType.
func ParseActType(s string) (ActType, error) {
	for a, n := range actNames {
		if n == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown act type %q; valid: reg, cas, com, inj", s)
}

// IsSexual reports whether the act type carries sexual transmission.
func (a ActType) IsSexual() bool { return a != ActInjecting }

// PopPair is an ordered (acquiring, transmitting) pair of population indices.
type PopPair struct{ A, B int }

// Partnership describes acts per year that a member of PopA has with
// members of PopB. Infection flows from PopB to PopA.
type Partnership struct {
	Act  ActType
	PopA int
	PopB int
	Acts []float64 // per year, indexed by t
}

// BiologyParams holds the time-invariant disease progression rates
// (per year) used by the transition builder.
type BiologyParams struct {
	// Progression to the next lower stratum, off ART, by from-stratum
	// (acute, >500, >350, >200, >50). <50 has no further stratum.
	Prog [NumCD4 - 1]float64
	// Recovery to the next higher stratum on suppressed ART, by from-stratum.
	// Only >350, >200, >50 and <50 are used.
	SVLRecov [NumCD4]float64
	// Unsuppressed ART: progression by from-stratum (acute..>50) and
	// recovery by from-stratum (>350..<50).
	USVLProg  [NumCD4 - 1]float64
	USVLRecov [NumCD4]float64
	// Excess HIV mortality per stratum.
	Death [NumCD4]float64
	// Multipliers applied to Death on suppressed and unsuppressed ART.
	DeathSVL  float64
	DeathUSVL float64
}

// TransmissionParams holds per-act transmission probabilities and the
// efficacies of the interventions that modify them.
type TransmissionParams struct {
	TransMFI float64 // male insertive with female partner
	TransMFR float64 // female receptive with male partner
	TransMMI float64 // male insertive with male partner
	TransMMR float64 // male receptive with male partner
	TransInj float64 // shared injection

	CD4Trans     [NumCD4]float64
	CD4TransNorm float64

	EffCondom   float64
	EffCirc     float64
	EffPrEP     float64
	EffSTI      float64
	EffOST      float64
	EffDx       float64
	EffTxUnsupp float64
	EffTxSupp   float64
	EffPMTCT    float64

	MTCTBreast   float64
	MTCTNoBreast float64
}

// SimulationParameters is the fully resolved input of one run. Every series
// is already aligned to TVec; the engine performs no interpolation and
// never mutates its parameters.
type SimulationParameters struct {
	TVec        []float64
	DT          float64
	Populations []Population

	Biology      BiologyParams
	Transmission TransmissionParams

	PopSize         Series
	Death           Series // background mortality rate
	HIVTest         Series
	AIDSTest        Series
	LinkToCare      Series
	LeaveCare       Series
	ReturnToCare    Series
	TreatRate       Series
	SuppressionRate Series
	TreatFail       Series
	Circum          Series // prevalence of non-programmatic circumcision
	NumCirc         Series // programmatic circumcisions per year
	PrEP            Series
	STIPrev         Series
	Birth           Series

	InitPrev []float64
	Force    []float64
	Inhomo   []float64

	NumOST            []float64
	Breastfeeding     []float64
	TimeToSuppression float64

	PropDx    []Target
	PropCare  []Target
	PropTx    []Target
	NumTx     []Target
	PropSupp  []Target
	PropPMTCT []Target
	NumPMTCT  []Target

	Partnerships []Partnership
	Condom       map[ActType]map[PopPair][]float64

	BirthTransit [][]float64
	AgeTransit   [][]float64
	RiskTransit  [][]float64

	Adjacency     [][]bool
	InitialPeople [][]float64
}

// NPops returns the number of populations.
func (sp *SimulationParameters) NPops() int { return len(sp.Populations) }

// NPts returns the number of timesteps.
func (sp *SimulationParameters) NPts() int { return len(sp.TVec) }

// PopIndex returns the index of the population with the given key, or -1.
func (sp *SimulationParameters) PopIndex(key string) int {
	for i, p := range sp.Populations {
		if p.Key == key {
			return i
		}
	}
	return -1
}

// CondomUse returns the condom-use fraction for an act type and population
// pair at step t, looking the pair up under either orientation. ok is false
// when neither orientation is present.
func (sp *SimulationParameters) CondomUse(act ActType, a, b, t int) (float64, bool) {
	byPair, ok := sp.Condom[act]
	if !ok {
		return 0, false
	}
	if v, ok := byPair[PopPair{A: a, B: b}]; ok && t < len(v) {
		return v[t], true
	}
	if v, ok := byPair[PopPair{A: b, B: a}]; ok && t < len(v) {
		return v[t], true
	}
	return 0, false
}

// Clone returns a deep copy that shares no mutable state with sp.
func (sp *SimulationParameters) Clone() *SimulationParameters {
	out := *sp
	out.TVec = append([]float64(nil), sp.TVec...)
	out.Populations = append([]Population(nil), sp.Populations...)

	out.PopSize = sp.PopSize.Clone()
	out.Death = sp.Death.Clone()
	out.HIVTest = sp.HIVTest.Clone()
	out.AIDSTest = sp.AIDSTest.Clone()
	out.LinkToCare = sp.LinkToCare.Clone()
	out.LeaveCare = sp.LeaveCare.Clone()
	out.ReturnToCare = sp.ReturnToCare.Clone()
	out.TreatRate = sp.TreatRate.Clone()
	out.SuppressionRate = sp.SuppressionRate.Clone()
	out.TreatFail = sp.TreatFail.Clone()
	out.Circum = sp.Circum.Clone()
	out.NumCirc = sp.NumCirc.Clone()
	out.PrEP = sp.PrEP.Clone()
	out.STIPrev = sp.STIPrev.Clone()
	out.Birth = sp.Birth.Clone()

	out.InitPrev = append([]float64(nil), sp.InitPrev...)
	out.Force = append([]float64(nil), sp.Force...)
	out.Inhomo = append([]float64(nil), sp.Inhomo...)
	out.NumOST = append([]float64(nil), sp.NumOST...)
	out.Breastfeeding = append([]float64(nil), sp.Breastfeeding...)

	out.PropDx = append([]Target(nil), sp.PropDx...)
	out.PropCare = append([]Target(nil), sp.PropCare...)
	out.PropTx = append([]Target(nil), sp.PropTx...)
	out.NumTx = append([]Target(nil), sp.NumTx...)
	out.PropSupp = append([]Target(nil), sp.PropSupp...)
	out.PropPMTCT = append([]Target(nil), sp.PropPMTCT...)
	out.NumPMTCT = append([]Target(nil), sp.NumPMTCT...)

	if sp.Partnerships != nil {
		out.Partnerships = make([]Partnership, len(sp.Partnerships))
		for i, pt := range sp.Partnerships {
			pt.Acts = append([]float64(nil), pt.Acts...)
			out.Partnerships[i] = pt
		}
	}
	if sp.Condom != nil {
		out.Condom = make(map[ActType]map[PopPair][]float64, len(sp.Condom))
		for act, byPair := range sp.Condom {
			m := make(map[PopPair][]float64, len(byPair))
			for pair, v := range byPair {
				m[pair] = append([]float64(nil), v...)
			}
			out.Condom[act] = m
		}
	}
	out.BirthTransit = cloneMatrix(sp.BirthTransit)
	out.AgeTransit = cloneMatrix(sp.AgeTransit)
	out.RiskTransit = cloneMatrix(sp.RiskTransit)
	out.InitialPeople = cloneMatrix(sp.InitialPeople)
	if sp.Adjacency != nil {
		out.Adjacency = make([][]bool, len(sp.Adjacency))
		for i := range sp.Adjacency {
			out.Adjacency[i] = append([]bool(nil), sp.Adjacency[i]...)
		}
	}
	return &out
}

func cloneMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

// Validate checks that every required input is present and every array is
// shaped consistently with the populations, timesteps and compartments.
// Returned errors wrap ErrMissingInput, ErrShapeMismatch or ErrInvalidValue.
func (sp *SimulationParameters) Validate(space *CompartmentSpace) error {
	if space == nil {
		return fmt.Errorf("%w: compartment space", ErrMissingInput)
	}
	npts, npops := sp.NPts(), sp.NPops()
	if npts == 0 {
		return fmt.Errorf("%w: tvec", ErrMissingInput)
	}
	if npops == 0 {
		return fmt.Errorf("%w: populations", ErrMissingInput)
	}
	if sp.DT <= 0 || math.IsNaN(sp.DT) || math.IsInf(sp.DT, 0) {
		return fmt.Errorf("%w: dt must be a positive finite number, got %v", ErrMissingInput, sp.DT)
	}

	series := []struct {
		name     string
		s        Series
		required bool
	}{
		{"popsize", sp.PopSize, true},
		{"death", sp.Death, true},
		{"hivtest", sp.HIVTest, true},
		{"aidstest", sp.AIDSTest, false},
		{"linktocare", sp.LinkToCare, false},
		{"leavecare", sp.LeaveCare, false},
		{"returntocare", sp.ReturnToCare, false},
		{"treatrate", sp.TreatRate, false},
		{"suppressionrate", sp.SuppressionRate, false},
		{"treatfail", sp.TreatFail, false},
		{"circum", sp.Circum, false},
		{"numcirc", sp.NumCirc, false},
		{"prep", sp.PrEP, false},
		{"stiprev", sp.STIPrev, false},
		{"birth", sp.Birth, false},
	}
	for _, s := range series {
		if s.s == nil {
			if s.required {
				return fmt.Errorf("%w: %s", ErrMissingInput, s.name)
			}
			continue
		}
		if err := checkSeries(s.name, s.s, npops, npts); err != nil {
			return err
		}
	}

	vectors := []struct {
		name     string
		v        []float64
		n        int
		required bool
	}{
		{"initprev", sp.InitPrev, npops, sp.InitialPeople == nil},
		{"force", sp.Force, npops, true},
		{"inhomo", sp.Inhomo, npops, false},
		{"numost", sp.NumOST, npts, false},
		{"breast", sp.Breastfeeding, npts, false},
	}
	for _, v := range vectors {
		if v.v == nil {
			if v.required {
				return fmt.Errorf("%w: %s", ErrMissingInput, v.name)
			}
			continue
		}
		if len(v.v) != v.n {
			return fmt.Errorf("%w: %s has length %d, want %d", ErrShapeMismatch, v.name, len(v.v), v.n)
		}
		if err := checkFinite(v.name, v.v); err != nil {
			return err
		}
	}

	targets := []struct {
		name string
		t    []Target
	}{
		{"propdx", sp.PropDx}, {"propcare", sp.PropCare}, {"proptx", sp.PropTx},
		{"numtx", sp.NumTx}, {"propsupp", sp.PropSupp},
		{"proppmtct", sp.PropPMTCT}, {"numpmtct", sp.NumPMTCT},
	}
	for _, tg := range targets {
		if tg.t != nil && len(tg.t) != npts {
			return fmt.Errorf("%w: %s has length %d, want %d", ErrShapeMismatch, tg.name, len(tg.t), npts)
		}
		for i, v := range tg.t {
			if v.Kind == Fixed && (math.IsNaN(v.Value) || math.IsInf(v.Value, 0) || v.Value < 0) {
				return fmt.Errorf("%w: %s[%d] must be a non-negative number, got %v", ErrInvalidValue, tg.name, i, v.Value)
			}
		}
	}

	for i, pt := range sp.Partnerships {
		if pt.PopA < 0 || pt.PopA >= npops || pt.PopB < 0 || pt.PopB >= npops {
			return fmt.Errorf("%w: partnership[%d] references population outside [0,%d)", ErrShapeMismatch, i, npops)
		}
		if len(pt.Acts) != npts {
			return fmt.Errorf("%w: partnership[%d] acts has length %d, want %d", ErrShapeMismatch, i, len(pt.Acts), npts)
		}
		if err := checkFinite(fmt.Sprintf("partnership[%d] acts", i), pt.Acts); err != nil {
			return err
		}
	}

	matrices := []struct {
		name string
		m    [][]float64
	}{
		{"birthtransit", sp.BirthTransit}, {"agetransit", sp.AgeTransit}, {"risktransit", sp.RiskTransit},
	}
	for _, m := range matrices {
		if m.m == nil {
			continue
		}
		if err := checkMatrix(m.name, m.m, npops, npops); err != nil {
			return err
		}
	}
	if sp.InitialPeople != nil {
		if err := checkMatrix("initpeople", sp.InitialPeople, space.N(), npops); err != nil {
			return err
		}
	}
	if math.IsNaN(sp.TimeToSuppression) || math.IsInf(sp.TimeToSuppression, 0) {
		return fmt.Errorf("%w: timetosuppression is %v", ErrInvalidValue, sp.TimeToSuppression)
	}
	if sp.Adjacency != nil {
		if len(sp.Adjacency) != space.N() {
			return fmt.Errorf("%w: adjacency has %d rows, want %d", ErrShapeMismatch, len(sp.Adjacency), space.N())
		}
		for i, row := range sp.Adjacency {
			if len(row) != space.N() {
				return fmt.Errorf("%w: adjacency row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), space.N())
			}
		}
	}
	return nil
}

func checkSeries(name string, s Series, npops, npts int) error {
	if len(s) != npops {
		return fmt.Errorf("%w: %s has %d populations, want %d", ErrShapeMismatch, name, len(s), npops)
	}
	for p, row := range s {
		if len(row) != npts {
			return fmt.Errorf("%w: %s[%d] has %d points, want %d", ErrShapeMismatch, name, p, len(row), npts)
		}
		if err := checkFinite(fmt.Sprintf("%s[%d]", name, p), row); err != nil {
			return err
		}
	}
	return nil
}

func checkMatrix(name string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%w: %s has %d rows, want %d", ErrShapeMismatch, name, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%w: %s row %d has %d columns, want %d", ErrShapeMismatch, name, i, len(row), cols)
		}
		if err := checkFinite(fmt.Sprintf("%s row %d", name, i), row); err != nil {
			return err
		}
	}
	return nil
}

// checkFinite rejects NaN and ±Inf entries.
func checkFinite(name string, v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s[%d] is %v", ErrInvalidValue, name, i, x)
		}
	}
	return nil
}

// at returns s[p][t], or 0 when the optional series is absent.
func (s Series) at(p, t int) float64 {
	if s == nil {
		return 0
	}
	return s[p][t]
}

func vecAt(v []float64, i int) float64 {
	if v == nil {
		return 0
	}
	return v[i]
}

func targetAt(ts []Target, t int) Target {
	if ts == nil {
		return Target{}
	}
	return ts[t]
}

func matAt(m [][]float64, i, j int) float64 {
	if m == nil {
		return 0
	}
	return m[i][j]
}
