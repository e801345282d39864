// Package edge holds the absorption edge table for the elements reachable
// by the beamline monochromator, 6 to 17 keV.
package edge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aps-txm/xanesctl/energy"
)

// Edge is a single absorption edge.
type Edge struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	KeV    float64 `json:"kev" yaml:"kev"`
}

// K edges except Pt, which is the L3 edge; the Pt K edge is 78 keV, far
// beyond the undulator.  Values in keV.
var kEdges = map[string]float64{
	"Mn": 6.539,
	"Fe": 7.112,
	"Co": 7.709,
	"Ni": 8.333,
	"Cu": 8.979,
	"Zn": 9.659,
	"Ga": 10.367,
	"Ge": 11.103,
	"Pt": 11.564,
	"As": 11.867,
	"Se": 12.658,
	"Br": 13.474,
	"Kr": 14.327,
	"Rb": 15.200,
	"Sr": 16.105,
}

// UnknownElementError is generated when an element is not in the table.
type UnknownElementError struct {
	Symbol string
}

func (e UnknownElementError) Error() string {
	return fmt.Sprintf("edge: element %q has no tabulated edge on this beamline", e.Symbol)
}

// Lookup returns the edge for an element symbol.  The symbol is case
// insensitive ("fe" and "FE" find Fe).
func Lookup(symbol string) (Edge, error) {
	s := normalize(symbol)
	kev, ok := kEdges[s]
	if !ok {
		return Edge{}, UnknownElementError{Symbol: symbol}
	}
	return Edge{Symbol: s, KeV: kev}, nil
}

// Table returns every tabulated edge, ascending in energy.
func Table() []Edge {
	out := make([]Edge, 0, len(kEdges))
	for sym, kev := range kEdges {
		out = append(out, Edge{Symbol: sym, KeV: kev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeV < out[j].KeV })
	return out
}

// Symbols returns the tabulated element symbols, ascending in edge energy.
func Symbols() []string {
	table := Table()
	out := make([]string, len(table))
	for i, e := range table {
		out[i] = e.Symbol
	}
	return out
}

// Defaults for Window.
const (
	// DefaultHalfWidth is the half width of a calibration scan, keV
	DefaultHalfWidth = 0.200

	// DefaultPoints is the point count of a calibration scan
	DefaultPoints = 401
)

// Window builds the calibration scan range centered on the edge:
// edge-halfWidth to edge+halfWidth with the step chosen to hit the
// requested point count, floored at 1 eV.  Non-positive halfWidth or a
// point count below 2 fall back to the defaults (±200 eV, 401 points,
// which lands on 1 eV steps).
func (e Edge) Window(halfWidth float64, points int) energy.LinearSpan {
	if halfWidth <= 0 {
		halfWidth = DefaultHalfWidth
	}
	if points < 2 {
		points = DefaultPoints
	}
	step := halfWidth * 2000 / float64(points-1)
	if step < 1 {
		step = 1
	}
	return energy.LinearSpan{
		Start: e.KeV - halfWidth,
		End:   e.KeV + halfWidth,
		Step:  step,
	}
}

func normalize(symbol string) string {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
