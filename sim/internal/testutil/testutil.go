// Package testutil provides shared test helpers for the sim packages:
// locating the repository testdata directory and comparing floating-point
// series with a relative tolerance.
package testutil

import (
	"math"
	"path/filepath"
	"runtime"
	"testing"
)

// TestdataPath returns the absolute path of a file under the repository's
// testdata/ directory. The path is resolved relative to this source file:
// sim/internal/testutil/ → testdata/.
func TestdataPath(t *testing.T, elem ...string) string {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	parts := append([]string{filepath.Dir(thisFile), "..", "..", "..", "testdata"}, elem...)
	return filepath.Join(parts...)
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertSeriesEqual compares two equally shaped series point by point.
func AssertSeriesEqual(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		AssertFloat64Equal(t, name, want[i], got[i], relTol)
	}
}
