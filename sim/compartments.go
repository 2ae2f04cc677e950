package sim

import "fmt"

// Stage is a position in the care cascade. Susceptible compartments carry
// StageSusceptible; every other compartment is a (Stage, CD4 stratum) pair.
type Stage int

const (
	StageSusceptible Stage = iota
	StageUndiagnosed
	StageDiagnosed
	StageInCare
	StageUnsuppressed
	StageSuppressed
	StageLost
)

var stageNames = map[Stage]string{
	StageSusceptible:  "sus",
	StageUndiagnosed:  "undx",
	StageDiagnosed:    "dx",
	StageInCare:       "care",
	StageUnsuppressed: "usvl",
	StageSuppressed:   "svl",
	StageLost:         "lost",
}

// String returns the short compartment prefix used in state labels.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// OnART reports whether people in this stage are receiving treatment.
func (s Stage) OnART() bool {
	return s == StageUnsuppressed || s == StageSuppressed
}

// CD4 strata, most healthy (after acute infection) to most advanced.
const (
	CD4Acute = iota
	CD4Gt500
	CD4Gt350
	CD4Gt200
	CD4Gt50
	CD4Lt50
	NumCD4
)

var cd4Names = [NumCD4]string{"acute", "gt500", "gt350", "gt200", "gt50", "lt50"}

// infectedStages lists the cascade stages in compartment order.
var infectedStages = []Stage{
	StageUndiagnosed, StageDiagnosed, StageInCare,
	StageUnsuppressed, StageSuppressed, StageLost,
}

// CompartmentSpace is the immutable enumeration of health-state compartments
// and the index groupings derived from it. A single value may be shared
// read-only by any number of concurrent runs.
type CompartmentSpace struct {
	names   []string
	stageOf []Stage
	cd4Of   []int
	byStage map[Stage][]int

	SusReg   int // uncircumcised susceptible
	ProgCirc int // programmatically circumcised susceptible

	Sus      []int
	Undx     []int
	Dx       []int
	Care     []int
	USVL     []int
	SVL      []int
	Lost     []int
	AllPLHIV []int
	AllDx    []int // diagnosed, in care, on ART or lost
	AllCare  []int // in care or on ART
	AllTx    []int
	NotOnART []int // infected and not on treatment
}

// NewCompartmentSpace builds the standard 38-compartment space: two
// susceptible compartments followed by six cascade stages of NumCD4 strata.
func NewCompartmentSpace() *CompartmentSpace {
	cs := &CompartmentSpace{
		byStage:  make(map[Stage][]int),
		SusReg:   0,
		ProgCirc: 1,
	}
	cs.names = append(cs.names, "susreg", "progcirc")
	cs.stageOf = append(cs.stageOf, StageSusceptible, StageSusceptible)
	cs.cd4Of = append(cs.cd4Of, -1, -1)
	cs.Sus = []int{cs.SusReg, cs.ProgCirc}
	cs.byStage[StageSusceptible] = cs.Sus

	for _, stage := range infectedStages {
		idx := make([]int, NumCD4)
		for h := 0; h < NumCD4; h++ {
			idx[h] = len(cs.names)
			cs.names = append(cs.names, stage.String()+"_"+cd4Names[h])
			cs.stageOf = append(cs.stageOf, stage)
			cs.cd4Of = append(cs.cd4Of, h)
		}
		cs.byStage[stage] = idx
	}
	cs.Undx = cs.byStage[StageUndiagnosed]
	cs.Dx = cs.byStage[StageDiagnosed]
	cs.Care = cs.byStage[StageInCare]
	cs.USVL = cs.byStage[StageUnsuppressed]
	cs.SVL = cs.byStage[StageSuppressed]
	cs.Lost = cs.byStage[StageLost]

	cs.AllPLHIV = concat(cs.Undx, cs.Dx, cs.Care, cs.USVL, cs.SVL, cs.Lost)
	cs.AllDx = concat(cs.Dx, cs.Care, cs.USVL, cs.SVL, cs.Lost)
	cs.AllCare = concat(cs.Care, cs.USVL, cs.SVL)
	cs.AllTx = concat(cs.USVL, cs.SVL)
	cs.NotOnART = concat(cs.Undx, cs.Dx, cs.Care, cs.Lost)
	return cs
}

func concat(groups ...[]int) []int {
	var out []int
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// N returns the number of compartments.
func (cs *CompartmentSpace) N() int { return len(cs.names) }

// Name returns the label of compartment c, e.g. "usvl_gt350".
func (cs *CompartmentSpace) Name(c int) string {
	if c < 0 || c >= len(cs.names) {
		return fmt.Sprintf("compartment(%d)", c)
	}
	return cs.names[c]
}

// Names returns a copy of all compartment labels in index order.
func (cs *CompartmentSpace) Names() []string {
	return append([]string(nil), cs.names...)
}

// StageOf returns the cascade stage of compartment c.
func (cs *CompartmentSpace) StageOf(c int) Stage { return cs.stageOf[c] }

// CD4Of returns the CD4 stratum of compartment c, or -1 for susceptibles.
func (cs *CompartmentSpace) CD4Of(c int) int { return cs.cd4Of[c] }

// Index returns the compartment for a cascade stage and CD4 stratum.
// Susceptible stages have no strata; -1 is returned for them.
func (cs *CompartmentSpace) Index(stage Stage, cd4 int) int {
	idx, ok := cs.byStage[stage]
	if !ok || stage == StageSusceptible || cd4 < 0 || cd4 >= len(idx) {
		return -1
	}
	return idx[cd4]
}

// Stage returns the compartments of a stage ordered by CD4 stratum.
func (cs *CompartmentSpace) Stage(stage Stage) []int { return cs.byStage[stage] }

// IsInfected reports whether compartment c holds people living with HIV.
func (cs *CompartmentSpace) IsInfected(c int) bool { return cs.stageOf[c] != StageSusceptible }

// DefaultAdjacency returns the 0/1 matrix of allowed (from, to) moves:
// within-stage CD4 progression and recovery, forward cascade steps,
// loss/return to care, ART start/stop, suppression and failure, and
// infection of susceptibles into acute undiagnosed infection.
func (cs *CompartmentSpace) DefaultAdjacency() [][]bool {
	n := cs.N()
	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
		adj[i][i] = true
	}
	for _, s := range cs.Sus {
		adj[s][cs.Undx[CD4Acute]] = true
	}
	// cascade edges are drawn between equal or adjacent strata so that a
	// person can progress and move stage within the same step
	cascade := [][2]Stage{
		{StageUndiagnosed, StageDiagnosed},
		{StageDiagnosed, StageInCare},
		{StageInCare, StageLost},
		{StageLost, StageInCare},
		{StageDiagnosed, StageUnsuppressed},
		{StageInCare, StageUnsuppressed},
		{StageLost, StageUnsuppressed},
		{StageUnsuppressed, StageSuppressed},
		{StageSuppressed, StageUnsuppressed},
		{StageUnsuppressed, StageLost},
		{StageSuppressed, StageLost},
	}
	for _, stage := range infectedStages {
		idx := cs.byStage[stage]
		for h := 0; h < NumCD4; h++ {
			if h+1 < NumCD4 {
				adj[idx[h]][idx[h+1]] = true
			}
			if h > CD4Gt500 {
				adj[idx[h]][idx[h-1]] = true
			}
		}
	}
	for _, edge := range cascade {
		from, to := cs.byStage[edge[0]], cs.byStage[edge[1]]
		for h := 0; h < NumCD4; h++ {
			for d := h - 1; d <= h+1; d++ {
				if d >= 0 && d < NumCD4 {
					adj[from[h]][to[d]] = true
				}
			}
		}
	}
	return adj
}
