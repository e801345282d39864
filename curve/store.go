package curve

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store locates reference curves on disk.  Curves measured on this
// beamline carry a _calibrated suffix and live in CalibratedDir;
// simulated curves from tabulated cross sections live in FallbackDir.
// A calibrated curve is always preferred over a simulated one for the
// same element.
type Store struct {
	CalibratedDir string `yaml:"CalibratedDir"`
	FallbackDir   string `yaml:"FallbackDir"`
}

// CurveNotFoundError is generated when no curve file exists for an element.
type CurveNotFoundError struct {
	Symbol string
}

func (e CurveNotFoundError) Error() string {
	return fmt.Sprintf("curve: no reference curve on disk for %s", e.Symbol)
}

// Resolve returns the path of the best available reference curve for an
// element and whether it is a calibrated (measured) one.
func (s Store) Resolve(symbol string) (path string, calibrated bool, err error) {
	names := []struct {
		name       string
		calibrated bool
	}{
		{symbol + "_calibrated.npy", true},
		{symbol + ".npy", false},
	}
	for _, dir := range []string{s.CalibratedDir, s.FallbackDir} {
		if dir == "" {
			continue
		}
		for _, c := range names {
			p := filepath.Join(dir, c.name)
			if _, serr := os.Stat(p); serr == nil {
				return p, c.calibrated, nil
			}
		}
	}
	return "", false, CurveNotFoundError{Symbol: symbol}
}

// LoadElement resolves and loads the reference curve for an element.
func (s Store) LoadElement(symbol string) (Curve, bool, error) {
	path, calibrated, err := s.Resolve(symbol)
	if err != nil {
		return Curve{}, false, err
	}
	c, err := Load(path)
	if err != nil {
		return Curve{}, calibrated, err
	}
	return c, calibrated, nil
}
