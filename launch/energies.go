package launch

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sbinet/npyio"

	"github.com/aps-txm/xanesctl/energy"
)

// FreshWindow is how recently the energies file must have been written
// for the acquisition script to trust it over the scan-range channels.
const FreshWindow = time.Minute

// WriteEnergies persists seq as a 1-D float64 .npy at path for the
// acquisition script to pick up.  ~ expands.
func WriteEnergies(path string, seq energy.Sequence) error {
	if seq.Len() == 0 {
		return fmt.Errorf("launch: refusing to write empty energy list to %s", path)
	}
	f, err := os.Create(expandHome(path))
	if err != nil {
		return err
	}
	defer f.Close()
	return npyio.Write(f, []float64(seq))
}

// ReadEnergies loads an energies file written by WriteEnergies, or by
// the GUI the script grew up with.  The file must be 1-D with at least
// two points, the same test the script applies.
func ReadEnergies(path string) (energy.Sequence, error) {
	f, err := os.Open(expandHome(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(r.Header.Descr.Shape) != 1 {
		return nil, fmt.Errorf("%s: energies must be 1-D, got shape %v", path, r.Header.Descr.Shape)
	}
	var data []float64
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%s: energies file has %d points, need at least 2", path, len(data))
	}
	return energy.Sequence(data), nil
}

// Fresh reports whether the energies file at path was written inside
// FreshWindow.  A stale or missing file means the script falls back to
// the scan-range channels.
func Fresh(path string) bool {
	fi, err := os.Stat(expandHome(path))
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) < FreshWindow
}

// Setter is the write half of the channel gateway, all this package
// needs.
type Setter interface {
	SetValue(channel string, value float64, timeout time.Duration) error
}

// GridChannels are the scan-range channels the acquisition script reads
// when it has no fresh energies file.
type GridChannels struct {
	Start string `yaml:"Start"`
	End   string `yaml:"End"`
	Step  string `yaml:"Step"`
}

// DefaultGridChannels is the sector 32 deployment.
func DefaultGridChannels() GridChannels {
	return GridChannels{
		Start: "32id:TXMOptics:XanesStart",
		End:   "32id:TXMOptics:XanesEnd",
		Step:  "32id:TXMOptics:XanesStep",
	}
}

// PrimeGrid writes the span of seq to the grid channels: first and last
// energy in keV, average step in eV.  Callers treat failure as a
// warning, the channels are advisory once an energies file exists.
func PrimeGrid(gw Setter, ch GridChannels, seq energy.Sequence, timeout time.Duration) error {
	if seq.Len() == 0 {
		return fmt.Errorf("launch: cannot prime grid channels from an empty sequence")
	}
	stepEV := 0.0
	if n := seq.Len(); n > 1 {
		stepEV = (seq.Last() - seq.First()) * 1000 / float64(n-1)
	}
	writes := []struct {
		channel string
		value   float64
	}{
		{ch.Start, seq.First()},
		{ch.End, seq.Last()},
		{ch.Step, stepEV},
	}
	for _, w := range writes {
		if w.channel == "" {
			continue
		}
		if err := gw.SetValue(w.channel, w.value, timeout); err != nil {
			return fmt.Errorf("launch: priming %s: %w", w.channel, err)
		}
	}
	return nil
}

// SafetyWrite forces one channel to a safe value on stop.
type SafetyWrite struct {
	Channel string  `yaml:"Channel"`
	Value   float64 `yaml:"Value"`
}

// DefaultSafety turns off the beam-position feedback loops and the
// sample shaker, the things that must not keep running once an
// acquisition is abandoned.
func DefaultSafety() []SafetyWrite {
	return []SafetyWrite{
		{Channel: "32idbSoft:epidH:on", Value: 0},
		{Channel: "32idbSoft:epidV:on", Value: 0},
		{Channel: "32idbSoft:epidShaker:shaker:run", Value: 0},
	}
}

// SafetyStop drives every channel in writes to its safe value.  Best
// effort: each failure is logged and the rest still happen, an operator
// hitting stop must not be blocked by one dead channel.
func SafetyStop(gw Setter, writes []SafetyWrite, timeout time.Duration) {
	for _, w := range writes {
		if w.Channel == "" {
			continue
		}
		if err := gw.SetValue(w.Channel, w.Value, timeout); err != nil {
			log.Printf("launch: safety write %s=%g failed: %v", w.Channel, w.Value, err)
		}
	}
}
