package sim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TransitionEntry lists the destinations reachable from one compartment in
// a single step together with their probabilities. Death is the HIV-related
// death probability; Σ Prob + Death = 1.
type TransitionEntry struct {
	From  int
	To    []int
	Prob  []float64
	Death float64
}

// Total returns Σ Prob + Death.
func (te TransitionEntry) Total() float64 {
	return floats.Sum(te.Prob) + te.Death
}

// rateToProb discretizes a continuous per-year rate over one step of dt
// years, floored at eps.
func rateToProb(rate, dt, eps float64) float64 {
	return math.Max(eps, 1-math.Exp(-rate*dt))
}

// BuildBaseTransitions converts the biological rates into the time-invariant
// per-step transition probabilities of every compartment. Moves not allowed
// by adj keep their probability mass in "stay". The three regimes are:
// off ART (progression only), suppressed ART (recovery, acute resolves),
// and unsuppressed ART (progression and recovery per CD4 boundary).
func BuildBaseTransitions(space *CompartmentSpace, bio BiologyParams, adj [][]bool, dt, eps float64) ([]TransitionEntry, error) {
	if space == nil {
		return nil, fmt.Errorf("%w: compartment space", ErrMissingInput)
	}
	n := space.N()
	if adj == nil {
		adj = space.DefaultAdjacency()
	}
	if len(adj) != n {
		return nil, fmt.Errorf("%w: adjacency has %d rows, want %d", ErrShapeMismatch, len(adj), n)
	}

	base := make([]TransitionEntry, n)
	for c := 0; c < n; c++ {
		entry := TransitionEntry{From: c, To: []int{c}, Prob: []float64{1}}
		stage := space.StageOf(c)
		if stage == StageSusceptible {
			base[c] = entry
			continue
		}
		h := space.CD4Of(c)

		var moves []struct {
			to   int
			prob float64
		}
		addMove := func(toCD4 int, rate float64) {
			to := space.Index(stage, toCD4)
			if to < 0 || !adj[c][to] {
				return
			}
			moves = append(moves, struct {
				to   int
				prob float64
			}{to, rateToProb(rate, dt, eps)})
		}

		mult := 1.0
		switch stage {
		case StageSuppressed:
			mult = bio.DeathSVL
			if h == CD4Acute {
				addMove(CD4Gt500, bio.Prog[CD4Acute])
			}
			if h > CD4Gt500 {
				addMove(h-1, bio.SVLRecov[h])
			}
		case StageUnsuppressed:
			mult = bio.DeathUSVL
			if h < CD4Lt50 {
				addMove(h+1, bio.USVLProg[h])
			}
			if h > CD4Gt500 {
				addMove(h-1, bio.USVLRecov[h])
			}
		default:
			if h < CD4Lt50 {
				addMove(h+1, bio.Prog[h])
			}
		}

		moved := 0.0
		for _, m := range moves {
			moved += m.prob
		}
		if moved > 1 {
			for i := range moves {
				moves[i].prob /= moved
			}
			moved = 1
		}
		death := math.Min(1-eps, bio.Death[h]*mult*dt)
		death = math.Max(0, death)

		entry.Prob[0] = (1 - moved) * (1 - death)
		for _, m := range moves {
			entry.To = append(entry.To, m.to)
			entry.Prob = append(entry.Prob, m.prob*(1-death))
		}
		entry.Death = death
		base[c] = entry
	}
	return base, nil
}

// WorkingTransitions is the per-timestep, per-population copy of the base
// transitions on which infection, background mortality and cascade flows
// are layered. P[p] is an N×N matrix indexed [from][to].
type WorkingTransitions struct {
	space      *CompartmentSpace
	adj        [][]bool
	P          []*mat.Dense
	Death      [][]float64 // [pop][from], already scaled by background survival
	Background []float64   // [pop]
}

// NewWorkingTransitions allocates working matrices for npops populations.
func NewWorkingTransitions(space *CompartmentSpace, adj [][]bool, npops int) *WorkingTransitions {
	n := space.N()
	if adj == nil {
		adj = space.DefaultAdjacency()
	}
	w := &WorkingTransitions{
		space:      space,
		adj:        adj,
		P:          make([]*mat.Dense, npops),
		Death:      make([][]float64, npops),
		Background: make([]float64, npops),
	}
	for p := 0; p < npops; p++ {
		w.P[p] = mat.NewDense(n, n, nil)
		w.Death[p] = make([]float64, n)
	}
	return w
}

// Reset overwrites every population's matrix with the base transitions.
func (w *WorkingTransitions) Reset(base []TransitionEntry) {
	for p := range w.P {
		w.P[p].Zero()
		for _, e := range base {
			for k, to := range e.To {
				w.P[p].Set(e.From, to, e.Prob[k])
			}
			w.Death[p][e.From] = e.Death
		}
		w.Background[p] = 0
	}
}

// SetInfection sets the probability that a susceptible in compartment sus of
// population p is infected this step. Must be called before background
// mortality is applied.
func (w *WorkingTransitions) SetInfection(p, sus int, prob float64) {
	acute := w.space.Undx[CD4Acute]
	w.P[p].Set(sus, sus, 1-prob)
	w.P[p].Set(sus, acute, prob)
}

// ApplyBackground scales every transition and HIV death probability of
// population p by the background survival probability 1 − bg.
func (w *WorkingTransitions) ApplyBackground(p int, bg float64) {
	w.Background[p] = bg
	w.P[p].Scale(1-bg, w.P[p])
	floats.Scale(1-bg, w.Death[p])
}

// ApplyJunction moves a fraction of each from-stage destination to the
// matching CD4 stratum of toStage. prob is evaluated per from-stratum.
// Only probability mass that would stay inside fromStage is diverted.
func (w *WorkingTransitions) ApplyJunction(p int, fromStage, toStage Stage, prob func(h int) float64) {
	m := w.P[p]
	for h, from := range w.space.Stage(fromStage) {
		q := prob(h)
		if q <= 0 {
			continue
		}
		q = math.Min(q, 1)
		for _, to := range w.space.Stage(fromStage) {
			stay := m.At(from, to)
			if stay == 0 {
				continue
			}
			dest := w.space.Index(toStage, w.space.CD4Of(to))
			if dest < 0 || !w.adj[from][dest] {
				continue
			}
			moved := stay * q
			m.Set(from, to, stay-moved)
			m.Set(from, dest, m.At(from, dest)+moved)
		}
	}
}

// RowTotal returns Σ_to P[p][from][to] + Death[p][from].
func (w *WorkingTransitions) RowTotal(p, from int) float64 {
	return floats.Sum(w.P[p].RawRowView(from)) + w.Death[p][from]
}

// Check verifies Σ_to P + P(death) = 1 − P(background) for every row of
// every population within tol. It returns the first offending row.
func (w *WorkingTransitions) Check(tol float64) (pop, from int, got, want float64, ok bool) {
	for p := range w.P {
		want := 1 - w.Background[p]
		n, _ := w.P[p].Dims()
		for c := 0; c < n; c++ {
			got := w.RowTotal(p, c)
			if math.IsNaN(got) || math.IsNaN(want) || math.Abs(got-want) > tol {
				return p, c, got, want, false
			}
		}
	}
	return 0, 0, 0, 0, true
}

// Advance computes next = Pᵀ·current for population p and writes the HIV
// deaths per compartment into deaths. current, next and deaths have length N.
func (w *WorkingTransitions) Advance(p int, current, next, deaths []float64) {
	x := mat.NewVecDense(len(current), current)
	y := mat.NewVecDense(len(next), next)
	y.MulVec(w.P[p].T(), x)
	for c := range current {
		deaths[c] = current[c] * w.Death[p][c]
	}
}

// Flow returns Σ people[from]·P[from][to] over from ∈ fromStage and
// to ∈ toStage for population p.
func (w *WorkingTransitions) Flow(p int, current []float64, fromComps, toComps []int) float64 {
	total := 0.0
	for _, from := range fromComps {
		if current[from] == 0 {
			continue
		}
		for _, to := range toComps {
			total += current[from] * w.P[p].At(from, to)
		}
	}
	return total
}
