// Package archive persists finished calibration runs: FITS files on disk,
// optionally point telemetry to InfluxDB.
package archive

import (
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/edge"
	"github.com/aps-txm/xanesctl/scan"
)

// Recorder writes calibration runs with incrementing filenames in
// yyyy-mm-dd subfolders.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag unused by this struct that allows consumers to
	// disable its use in their code
	Enabled bool

	mu      sync.Mutex
	counter int
}

// Recording reports the Enabled flag under the recorder's lock, for
// readers racing the HTTP wrapper.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// timeFldr is the dated subfolder for now.
func timeFldr() string {
	now := time.Now()
	return fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

// mkDir makes the dated folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, timeFldr())
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// nextCounter scans the dated folder so restarts and concurrent writers
// never reuse a number.  On a scan error the in-memory counter stands.
func (r *Recorder) nextCounter(dn string) int {
	entries, err := os.ReadDir(dn)
	if err != nil {
		r.counter++
		return r.counter
	}
	count := r.counter
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fn := entry.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.Prefix)
		bit = strings.TrimSuffix(bit, ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
	return r.counter
}

// Write stores res as a FITS file and returns its path.  The primary HDU
// data is a 2xN float64 image, energies (keV) on the first row and summed
// intensities on the second; run metadata rides in the header.  an may be
// nil for runs that were never analyzed.
func (r *Recorder) Write(res scan.Result, an *curve.Analysis) (string, error) {
	if len(res.Points) == 0 {
		return "", fmt.Errorf("archive: run %s has no points to write", res.RunID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.nextCounter(fldr)))

	f, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := writeFits(f, cards(res, an), res.Points); err != nil {
		return "", fmt.Errorf("archive: writing %s: %w", fn, err)
	}
	return fn, nil
}

// WriteFile stores a single run at an exact path, bypassing the dated
// folder and counter scheme.  One-shot tools use this; the service goes
// through a Recorder.
func WriteFile(fn string, res scan.Result, an *curve.Analysis) error {
	if len(res.Points) == 0 {
		return fmt.Errorf("archive: run %s has no points to write", res.RunID)
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := writeFits(f, cards(res, an), res.Points); err != nil {
		return fmt.Errorf("archive: writing %s: %w", fn, err)
	}
	return nil
}

func cards(res scan.Result, an *curve.Analysis) []fitsio.Card {
	ts := func(t time.Time) string {
		return fmt.Sprintf("%d-%02d-%02dT%02d:%02d:%02d",
			t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	}
	out := []fitsio.Card{
		{Name: "RUNID", Value: res.RunID, Comment: "calibration run id"},
		{Name: "STATE", Value: res.State.String(), Comment: "terminal state of the run"},
		{Name: "NPTS", Value: len(res.Points), Comment: "points measured"},
		{Name: "DATE-OBS", Value: ts(res.Started)}, // timestamp is standard and does not require comment
		{Name: "DATE-END", Value: ts(res.Finished)},
	}
	if res.Err != nil {
		out = append(out, fitsio.Card{Name: "RUNERR", Value: res.Err.Error(), Comment: "error that ended the run"})
	}
	if an != nil {
		if sym := elementFor(an.TheoreticalKeV); sym != "" {
			out = append(out, fitsio.Card{Name: "ELEMENT", Value: sym, Comment: "calibrated element"})
		}
		out = append(out,
			fitsio.Card{Name: "EDGEKEV", Value: an.TheoreticalKeV, Comment: "tabulated edge energy, keV"},
			fitsio.Card{Name: "MEASKEV", Value: an.MeasuredKeV, Comment: "measured edge energy, keV"},
			fitsio.Card{Name: "SHIFTEV", Value: an.ShiftEV, Comment: "measured minus tabulated, eV"})
	}
	return out
}

// elementFor reverses the edge table; empty when the energy is not a
// tabulated edge.
func elementFor(kev float64) string {
	for _, e := range edge.Table() {
		if math.Abs(e.KeV-kev) < 1e-9 {
			return e.Symbol
		}
	}
	return ""
}

// writeFits streams the run to w as a float64 image.
func writeFits(w io.Writer, metadata []fitsio.Card, pts []scan.Point) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	n := len(pts)
	im := fitsio.NewImage(-64, []int{n, 2})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	buf := make([]float64, 2*n)
	for i, p := range pts {
		buf[i] = p.EnergyKeV
		buf[n+i] = p.Intensity
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
