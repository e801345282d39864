package scan

// Config binds a scan to a beamline: which channels to drive and how long
// to wait on them.  Timings are plain seconds so the file stays
// hand-editable.  Engines copy their Config at construction, so editing a
// session's config never changes a scan already in flight.
type Config struct {
	// EnergyTarget receives the energy setpoint in keV.
	EnergyTarget string `yaml:"EnergyTarget"`

	// EnergyMove commits the setpoint when written 1; the optics IOC
	// separates dialing in a value from executing the move.  Empty skips
	// the commit write.
	EnergyMove string `yaml:"EnergyMove"`

	// EnergyRBV is the energy readback.  Empty skips confirmation and
	// the scan relies on the settle time alone.
	EnergyRBV string `yaml:"EnergyRBV"`

	// AcquireTrigger starts a detector exposure when written 1.
	AcquireTrigger string `yaml:"AcquireTrigger"`

	// AcquireStatus reads 1 while the detector is busy.
	AcquireStatus string `yaml:"AcquireStatus"`

	// ImageData serves the detector frame.
	ImageData string `yaml:"ImageData"`

	Settle            float64 `yaml:"Settle"`            // s, dwell after a move, inclusive of confirmation
	ReadbackTimeout   float64 `yaml:"ReadbackTimeout"`   // s
	ReadbackTolerance float64 `yaml:"ReadbackTolerance"` // keV
	AcquireTimeout    float64 `yaml:"AcquireTimeout"`    // s
	PollInterval      float64 `yaml:"PollInterval"`      // s
	IOTimeout         float64 `yaml:"IOTimeout"`         // s, per gateway op
}

// DefaultConfig is the sector 32 TXM wiring.
func DefaultConfig() Config {
	return Config{
		EnergyTarget:      "32id:TXMOptics:Energy",
		EnergyMove:        "32id:TXMOptics:EnergySet",
		EnergyRBV:         "32id:TXMOptics:Energy_RBV",
		AcquireTrigger:    "32idbSP1:cam1:Acquire",
		AcquireStatus:     "32idbSP1:cam1:Acquire_RBV",
		ImageData:         "32idbSP1:Pva1:Image",
		Settle:            0.15,
		ReadbackTimeout:   5.0,
		ReadbackTolerance: 0.001,
		AcquireTimeout:    4.0,
		PollInterval:      0.05,
		IOTimeout:         1.0,
	}
}
