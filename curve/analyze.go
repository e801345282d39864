package curve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Analysis is the result of locating an absorption edge on a curve.
type Analysis struct {
	// MeasuredKeV is the energy of steepest slope on the curve
	MeasuredKeV float64 `json:"measured_kev"`
	// TheoreticalKeV is the tabulated edge energy
	TheoreticalKeV float64 `json:"theoretical_kev"`
	// ShiftEV is (measured - theoretical) in eV; positive means the
	// monochromator reads high
	ShiftEV float64 `json:"shift_ev"`
}

// InsufficientDataError is generated when a curve is too short to
// differentiate.
type InsufficientDataError struct {
	N int
}

func (e InsufficientDataError) Error() string {
	return fmt.Sprintf("curve: need at least 3 samples to locate an edge, have %d", e.N)
}

// DegenerateCurveError is generated when a curve is flat; normalization is
// undefined and there is no edge to find.
type DegenerateCurveError struct{}

func (e DegenerateCurveError) Error() string {
	return "curve: signal is constant; no edge present"
}

// Analyze locates the absorption edge of the curve as the energy of
// maximum |dSignal/dEnergy| and reports its shift from the tabulated edge
// energy.  The input is not modified; unsorted curves are stable-sorted
// ascending before differentiation.  When several samples tie for steepest
// slope the lowest-energy one wins.
func Analyze(c Curve, theoreticalKeV float64) (Analysis, error) {
	if c.Len() < 3 {
		return Analysis{}, InsufficientDataError{N: c.Len()}
	}
	work := c
	if !c.Sorted() {
		work = c.Clone()
		work.SortByEnergy()
	}

	ys := make([]float64, len(work.Signal))
	copy(ys, work.Signal)
	lo, hi := floats.Min(ys), floats.Max(ys)
	if hi == lo {
		return Analysis{}, DegenerateCurveError{}
	}
	floats.AddConst(-lo, ys)
	floats.Scale(1/(hi-lo), ys)

	grad := gradient(ys, work.Energy)
	for i, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			// coincident energies contribute no usable slope
			grad[i] = 0
			continue
		}
		grad[i] = math.Abs(g)
	}
	idx := floats.MaxIdx(grad)
	measured := work.Energy[idx]
	return Analysis{
		MeasuredKeV:    measured,
		TheoreticalKeV: theoreticalKeV,
		ShiftEV:        (measured - theoreticalKeV) * 1000,
	}, nil
}

// gradient is dy/dx by second order central differences on the interior
// (spacing aware) and first order one-sided differences at the ends.
func gradient(y, x []float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	out[0] = (y[1] - y[0]) / (x[1] - x[0])
	out[n-1] = (y[n-1] - y[n-2]) / (x[n-1] - x[n-2])
	for i := 1; i < n-1; i++ {
		hs := x[i] - x[i-1]
		hd := x[i+1] - x[i]
		a := -hd / (hs * (hs + hd))
		b := (hd - hs) / (hs * hd)
		c := hs / (hd * (hs + hd))
		out[i] = a*y[i-1] + b*y[i] + c*y[i+1]
	}
	return out
}
