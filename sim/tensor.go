package sim

import "gonum.org/v1/gonum/floats"

// PopulationTensor stores non-negative counts indexed
// [compartment][population][time] in a single flat slice. Axis order is
// compartment-major, then population, then time; the time axis is innermost
// so that one compartment's history is contiguous.
type PopulationTensor struct {
	NComp int
	NPop  int
	NT    int
	data  []float64
}

// NewPopulationTensor allocates a zero tensor.
func NewPopulationTensor(ncomp, npop, nt int) *PopulationTensor {
	return &PopulationTensor{
		NComp: ncomp,
		NPop:  npop,
		NT:    nt,
		data:  make([]float64, ncomp*npop*nt),
	}
}

func (pt *PopulationTensor) idx(c, p, t int) int {
	return (c*pt.NPop+p)*pt.NT + t
}

// At returns the count in compartment c, population p at step t.
func (pt *PopulationTensor) At(c, p, t int) float64 { return pt.data[pt.idx(c, p, t)] }

// Set overwrites the count in compartment c, population p at step t.
func (pt *PopulationTensor) Set(c, p, t int, v float64) { pt.data[pt.idx(c, p, t)] = v }

// Add increments the count in compartment c, population p at step t.
func (pt *PopulationTensor) Add(c, p, t int, v float64) { pt.data[pt.idx(c, p, t)] += v }

// Sum returns the total over the given compartments for population p at t.
func (pt *PopulationTensor) Sum(comps []int, p, t int) float64 {
	total := 0.0
	for _, c := range comps {
		total += pt.At(c, p, t)
	}
	return total
}

// PopTotal returns the total over all compartments for population p at t.
func (pt *PopulationTensor) PopTotal(p, t int) float64 {
	total := 0.0
	for c := 0; c < pt.NComp; c++ {
		total += pt.At(c, p, t)
	}
	return total
}

// Column copies people[:, p, t] into dst (allocated when nil) and returns it.
func (pt *PopulationTensor) Column(p, t int, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, pt.NComp)
	}
	for c := 0; c < pt.NComp; c++ {
		dst[c] = pt.At(c, p, t)
	}
	return dst
}

// SetColumn overwrites people[:, p, t] with src.
func (pt *PopulationTensor) SetColumn(p, t int, src []float64) {
	for c := 0; c < pt.NComp; c++ {
		pt.Set(c, p, t, src[c])
	}
}

// Slice returns a [compartment][population] copy of step t.
func (pt *PopulationTensor) Slice(t int) [][]float64 {
	out := make([][]float64, pt.NComp)
	for c := range out {
		out[c] = make([]float64, pt.NPop)
		for p := 0; p < pt.NPop; p++ {
			out[c][p] = pt.At(c, p, t)
		}
	}
	return out
}

// Total returns the sum over every compartment and population at step t.
func (pt *PopulationTensor) Total(t int) float64 {
	total := 0.0
	for p := 0; p < pt.NPop; p++ {
		total += pt.PopTotal(p, t)
	}
	return total
}

// Min returns the smallest count stored anywhere in the tensor.
func (pt *PopulationTensor) Min() float64 {
	if len(pt.data) == 0 {
		return 0
	}
	return floats.Min(pt.data)
}

// Clone returns a deep copy.
func (pt *PopulationTensor) Clone() *PopulationTensor {
	out := *pt
	out.data = append([]float64(nil), pt.data...)
	return &out
}

// Equal reports whether two tensors have the same shape and identical values.
func (pt *PopulationTensor) Equal(other *PopulationTensor) bool {
	if other == nil || pt.NComp != other.NComp || pt.NPop != other.NPop || pt.NT != other.NT {
		return false
	}
	return floats.Equal(pt.data, other.data)
}

func (pt *PopulationTensor) scale(f float64) {
	floats.Scale(f, pt.data)
}
