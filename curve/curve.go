// Package curve loads and analyzes absorption-vs-energy curves.
package curve

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
)

// Curve is a measured or simulated absorption curve.  Energy is keV;
// Signal is detector counts or any other monotonic-in-absorption unit,
// the analysis normalizes it away.
type Curve struct {
	Energy []float64 `json:"energy"`
	Signal []float64 `json:"signal"`
}

// Len returns the number of samples.
func (c Curve) Len() int { return len(c.Energy) }

// Sorted returns true if the energies are ascending.
func (c Curve) Sorted() bool {
	return sort.Float64sAreSorted(c.Energy)
}

// Clone returns a deep copy of the curve.
func (c Curve) Clone() Curve {
	out := Curve{
		Energy: make([]float64, len(c.Energy)),
		Signal: make([]float64, len(c.Signal)),
	}
	copy(out.Energy, c.Energy)
	copy(out.Signal, c.Signal)
	return out
}

// SortByEnergy stable-sorts the curve ascending in energy, in place.
// Samples at equal energies keep their relative order.
func (c Curve) SortByEnergy() {
	sort.Stable(byEnergy(c))
}

type byEnergy Curve

func (b byEnergy) Len() int           { return len(b.Energy) }
func (b byEnergy) Less(i, j int) bool { return b.Energy[i] < b.Energy[j] }
func (b byEnergy) Swap(i, j int) {
	b.Energy[i], b.Energy[j] = b.Energy[j], b.Energy[i]
	b.Signal[i], b.Signal[j] = b.Signal[j], b.Signal[i]
}

// Load reads a curve from disk.  .npy files may be 2xN (energy row, signal
// row) or Nx2 (energy, signal pairs); anything else is text, comma or
// whitespace separated, one energy,signal pair per line, # comments and a
// single header line tolerated.
func Load(path string) (Curve, error) {
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		return loadNpy(path)
	}
	return loadText(path)
}

func loadNpy(path string) (Curve, error) {
	f, err := os.Open(path)
	if err != nil {
		return Curve{}, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return Curve{}, fmt.Errorf("%s: %w", path, err)
	}
	shape := r.Header.Descr.Shape
	var raw []float64
	if err := r.Read(&raw); err != nil {
		return Curve{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(shape) != 2 {
		return Curve{}, fmt.Errorf("%s: expected a 2xN or Nx2 array, got shape %v", path, shape)
	}
	var c Curve
	switch {
	case shape[0] == 2:
		n := shape[1]
		c.Energy = append(c.Energy, raw[:n]...)
		c.Signal = append(c.Signal, raw[n:2*n]...)
	case shape[1] == 2:
		n := shape[0]
		c.Energy = make([]float64, n)
		c.Signal = make([]float64, n)
		for i := 0; i < n; i++ {
			c.Energy[i] = raw[2*i]
			c.Signal[i] = raw[2*i+1]
		}
	default:
		return Curve{}, fmt.Errorf("%s: expected a 2xN or Nx2 array, got shape %v", path, shape)
	}
	return c, nil
}

func loadText(path string) (Curve, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Curve{}, err
	}
	var c Curve
	lines := strings.Split(string(buf), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var fields []string
		if strings.Contains(line, ",") {
			fields = strings.Split(line, ",")
		} else {
			fields = strings.Fields(line)
		}
		if len(fields) < 2 {
			return Curve{}, fmt.Errorf("%s:%d: expected energy,signal pair, got %q", path, i+1, line)
		}
		e, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		y, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err1 != nil || err2 != nil {
			// tolerate one header line
			if c.Len() == 0 {
				continue
			}
			return Curve{}, fmt.Errorf("%s:%d: %q is not numeric", path, i+1, line)
		}
		c.Energy = append(c.Energy, e)
		c.Signal = append(c.Signal, y)
	}
	if c.Len() == 0 {
		return Curve{}, fmt.Errorf("%s: no data rows", path)
	}
	return c, nil
}
