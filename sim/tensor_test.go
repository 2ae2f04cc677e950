package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPopulationTensor_AccessAndSums(t *testing.T) {
	pt := NewPopulationTensor(3, 2, 4)
	pt.Set(0, 0, 1, 10)
	pt.Set(1, 0, 1, 5)
	pt.Add(1, 0, 1, 2)
	pt.Set(2, 1, 1, 3)

	assert.Equal(t, 7.0, pt.At(1, 0, 1))
	assert.Equal(t, 17.0, pt.Sum([]int{0, 1}, 0, 1))
	assert.Equal(t, 17.0, pt.PopTotal(0, 1))
	assert.Equal(t, 20.0, pt.Total(1))
	assert.Equal(t, 0.0, pt.Total(0))
}

func TestPopulationTensor_ColumnRoundTrip(t *testing.T) {
	pt := NewPopulationTensor(3, 2, 2)
	pt.SetColumn(1, 0, []float64{1, 2, 3})
	pt.SetColumn(1, 1, pt.Column(1, 0, nil))

	assert.Equal(t, []float64{1, 2, 3}, pt.Column(1, 1, nil))
	assert.Equal(t, [][]float64{{0, 1}, {0, 2}, {0, 3}}, pt.Slice(1))

	dst := make([]float64, 3)
	got := pt.Column(0, 0, dst)
	assert.Equal(t, []float64{0, 0, 0}, got)
}

func TestPopulationTensor_TimeAxisDoesNotAlias(t *testing.T) {
	// GIVEN a value written at t=0
	pt := NewPopulationTensor(2, 2, 3)
	pt.Set(1, 1, 0, 4)

	// WHEN neighbouring cells are written
	pt.Set(1, 1, 1, 5)
	pt.Set(1, 0, 0, 6)

	// THEN the original cell is unchanged
	assert.Equal(t, 4.0, pt.At(1, 1, 0))
}

func TestPopulationTensor_CloneEqualMin(t *testing.T) {
	pt := NewPopulationTensor(2, 1, 2)
	pt.Set(0, 0, 0, 3)
	pt.Set(1, 0, 1, -0.5)

	c := pt.Clone()
	assert.True(t, pt.Equal(c))
	assert.Equal(t, -0.5, pt.Min())

	c.Set(0, 0, 0, 4)
	assert.False(t, pt.Equal(c))
	assert.Equal(t, 3.0, pt.At(0, 0, 0), "clone must not share storage")
	assert.False(t, pt.Equal(NewPopulationTensor(2, 2, 2)))
	assert.False(t, pt.Equal(nil))
}
