/*Package energy builds monochromator energy sequences for absorption scans.

A sequence is an ordered slice of energies in keV.  There are three ways to
describe one:

	LinearSpan  start/end with a step used to derive a point count, then
	            even subdivision of the span (the count is what is honored,
	            not the step, when the two disagree)
	BoundedSpan a grid of integer-eV steps up from the lower bound, with
	            the upper bound always appended as the final point, even
	            off grid
	Explicit    a hand-picked list of energies, kept in caller order

Building is pure arithmetic on the Spec: the same Spec always yields the
same bits.  Point i is computed from i, never by accumulating additions.
*/
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/aps-txm/xanesctl/util"
)

// Sequence is an ordered set of energies in keV.
type Sequence []float64

// Len returns the number of points in the sequence.
func (s Sequence) Len() int { return len(s) }

// First returns the first energy in the sequence.
func (s Sequence) First() float64 { return s[0] }

// Last returns the final energy in the sequence.
func (s Sequence) Last() float64 { return s[len(s)-1] }

// Clone returns an independent copy of the sequence.
func (s Sequence) Clone() Sequence {
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}

// Spec describes an energy range that can be rendered into a Sequence.
// The set of implementations is closed: LinearSpan, BoundedSpan, Explicit.
type Spec interface {
	Sequence() (Sequence, error)
}

// InvalidRangeError is generated when a range spec cannot describe a
// physically meaningful scan.
type InvalidRangeError struct {
	Reason string
}

func (e InvalidRangeError) Error() string {
	return fmt.Sprintf("energy: invalid range: %s", e.Reason)
}

// IsInvalidRange returns true if err is an InvalidRangeError.
func IsInvalidRange(err error) bool {
	var ire InvalidRangeError
	return errors.As(err, &ire)
}

// LinearSpan is a scan from Start to End keV.  Step (eV) sets the point
// count as floor(span/step)+1; the points are then an even subdivision of
// [Start, End], both ends included.
type LinearSpan struct {
	// Start is the first energy, keV
	Start float64 `json:"start" yaml:"start"`
	// End is the last energy, keV
	End float64 `json:"end" yaml:"end"`
	// Step is the grid pitch used to derive the point count, eV
	Step float64 `json:"step" yaml:"step"`
}

func (s LinearSpan) validate() error {
	if err := checkEnergy(s.Start); err != nil {
		return err
	}
	if err := checkEnergy(s.End); err != nil {
		return err
	}
	if s.End <= s.Start {
		return InvalidRangeError{Reason: fmt.Sprintf("end %f keV must exceed start %f keV", s.End, s.Start)}
	}
	if s.Step <= 0 || math.IsNaN(s.Step) || math.IsInf(s.Step, 0) {
		return InvalidRangeError{Reason: fmt.Sprintf("step %f eV must be positive", s.Step)}
	}
	return nil
}

// Count returns the number of points the span will produce.  It is exposed
// so callers can show the point count before committing to a scan.
func (s LinearSpan) Count() (int, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}
	// work in the eV domain and snap off float dust so that, e.g.,
	// 6.912..7.312 at 1 eV is 401 points and not 400
	q := util.Round((s.End-s.Start)*1000/s.Step, 1e-9)
	return int(math.Floor(q)) + 1, nil
}

// Warning returns a non-empty advisory if the span asks for finer than 1 eV
// steps, which is below the resolution worth scanning at; sub-eV steps are
// legal but almost always a typo.
func (s LinearSpan) Warning() string {
	if s.Step > 0 && s.Step < 1 {
		return fmt.Sprintf("step of %g eV is finer than 1 eV; point count will be large", s.Step)
	}
	return ""
}

// Sequence renders the span.
func (s LinearSpan) Sequence() (Sequence, error) {
	n, err := s.Count()
	if err != nil {
		return nil, err
	}
	out := make(Sequence, n)
	if n == 1 {
		out[0] = s.Start
		return out, nil
	}
	span := s.End - s.Start
	for i := 0; i < n; i++ {
		// the conversion bars FMA contraction; the grid must not
		// depend on the host's fusing behavior
		out[i] = s.Start + float64(span*float64(i)/float64(n-1))
	}
	// pin the endpoint; a+(b-a) is not always b in floating point
	out[n-1] = s.End
	return out, nil
}

// BoundedSpan is a scan from Lower to Upper keV on a grid of whole-eV
// steps.  The grid runs up from Lower strictly below Upper; Upper is then
// appended as the final point regardless of whether it lands on the grid,
// so the scan always measures the far bound even at the cost of an uneven
// final interval.
type BoundedSpan struct {
	// Lower is the first energy, keV
	Lower float64 `json:"lower" yaml:"lower"`
	// Upper is the last energy, keV
	Upper float64 `json:"upper" yaml:"upper"`
	// Step is the grid pitch, whole eV
	Step int `json:"step" yaml:"step"`
}

// Sequence renders the span.
func (s BoundedSpan) Sequence() (Sequence, error) {
	if err := checkEnergy(s.Lower); err != nil {
		return nil, err
	}
	if err := checkEnergy(s.Upper); err != nil {
		return nil, err
	}
	if s.Upper <= s.Lower {
		return nil, InvalidRangeError{Reason: fmt.Sprintf("upper %f keV must exceed lower %f keV", s.Upper, s.Lower)}
	}
	if s.Step <= 0 {
		return nil, InvalidRangeError{Reason: fmt.Sprintf("step %d eV must be positive", s.Step)}
	}
	stepKeV := float64(s.Step) / 1000
	var out Sequence
	for i := 0; ; i++ {
		p := s.Lower + float64(float64(i)*stepKeV)
		if p >= s.Upper {
			break
		}
		out = append(out, p)
	}
	out = append(out, s.Upper)
	return out, nil
}

// Explicit is a hand-picked energy list.  Order is meaningful (non
// monotonic scans are how hysteresis is probed) and preserved exactly;
// duplicates are allowed.
type Explicit []float64

// Sequence validates and copies the list.
func (e Explicit) Sequence() (Sequence, error) {
	if len(e) == 0 {
		return nil, InvalidRangeError{Reason: "explicit energy list is empty"}
	}
	for i, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, InvalidRangeError{Reason: fmt.Sprintf("point %d is not a number", i)}
		}
		if v <= 0 {
			return nil, InvalidRangeError{Reason: fmt.Sprintf("point %d: energy %f keV must be positive", i, v)}
		}
	}
	return Sequence(e).Clone(), nil
}

func checkEnergy(keV float64) error {
	if math.IsNaN(keV) || math.IsInf(keV, 0) {
		return InvalidRangeError{Reason: "energy is not a number"}
	}
	if keV <= 0 {
		return InvalidRangeError{Reason: fmt.Sprintf("energy %f keV must be positive", keV)}
	}
	return nil
}
