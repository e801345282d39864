package scan

import (
	"errors"
	"fmt"
)

// ErrScanActive is returned by Session.Start while a scan is running.
// The active scan is left undisturbed; there is no queue.
var ErrScanActive = errors.New("scan: a scan is already active")

// ChannelSetError is a failed write to a control channel.  Writes are
// never retried; blindly re-issuing an energy or trigger set on a live
// beamline is not safe.
type ChannelSetError struct {
	Channel string
	Point   int
	Cause   error
}

func (e ChannelSetError) Error() string {
	return fmt.Sprintf("scan: point %d: setting channel %q: %v", e.Point, e.Channel, e.Cause)
}

func (e ChannelSetError) Unwrap() error { return e.Cause }

// ReadbackTimeoutError means the energy readback never converged to the
// setpoint within the window.
type ReadbackTimeoutError struct {
	Channel   string
	Setpoint  float64
	LastValue float64

	// Cause is the last read error inside the poll, if there was one
	Cause error
}

func (e ReadbackTimeoutError) Error() string {
	msg := fmt.Sprintf("scan: readback %q stuck at %g keV with setpoint %g keV", e.Channel, e.LastValue, e.Setpoint)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e ReadbackTimeoutError) Unwrap() error { return e.Cause }

// AcquisitionTimeoutError means the detector never reported idle after a
// trigger.
type AcquisitionTimeoutError struct {
	Point int

	// Cause is the last status read error inside the poll, if there was one
	Cause error
}

func (e AcquisitionTimeoutError) Error() string {
	msg := fmt.Sprintf("scan: point %d: detector never went idle", e.Point)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e AcquisitionTimeoutError) Unwrap() error { return e.Cause }

// ImageReadError is a failed frame readout.
type ImageReadError struct {
	Point int
	Cause error
}

func (e ImageReadError) Error() string {
	return fmt.Sprintf("scan: point %d: reading frame: %v", e.Point, e.Cause)
}

func (e ImageReadError) Unwrap() error { return e.Cause }
