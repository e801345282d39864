/*Package scan drives energy calibration scans against a beamline.

The engine walks an energy sequence and, at each point: commands the
monochromator, optionally confirms the readback, settles, triggers the
detector, waits out the exposure, reads the frame and records its sum.
Steps run strictly in order with no retry; any device failure ends the
scan with a typed error naming the step, and a cancel halts at the next
step boundary while keeping every point already measured.

A Session owns at most one engine at a time and fans its telemetry out
to subscribers.
*/
package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aps-txm/xanesctl/ca"
	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/energy"
	"github.com/aps-txm/xanesctl/util"
)

// Gateway is the device surface a scan drives.  ca.Client and ca.Mock
// both satisfy it.
type Gateway interface {
	SetValue(channel string, value float64, timeout time.Duration) error
	GetValue(channel string, timeout time.Duration) (float64, error)
	GetImage(channel string, timeout time.Duration) (ca.Image, error)
}

// State is the lifecycle position of a scan.
type State int

// The scan lifecycle.  Terminal states are final; engines are single use.
const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the scan is over.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Point is one measured energy.
type Point struct {
	EnergyKeV float64 `json:"energy"`
	Intensity float64 `json:"intensity"`
}

// Result is the outcome of a scan, partial or complete.  Points holds
// whatever was measured before the scan ended, however it ended.
type Result struct {
	RunID    string    `json:"runID"`
	State    State     `json:"state"`
	Points   []Point   `json:"points"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Err      error     `json:"-"`
}

// MarshalJSON carries the failure message, which the error interface
// would otherwise drop on the floor.
func (r Result) MarshalJSON() ([]byte, error) {
	type bare Result
	w := struct {
		bare
		Error string `json:"error,omitempty"`
	}{bare: bare(r)}
	if r.Err != nil {
		w.Error = r.Err.Error()
	}
	return json.Marshal(w)
}

// Curve views the result as a curve for edge analysis.
func (r Result) Curve() curve.Curve {
	c := curve.Curve{
		Energy: make([]float64, len(r.Points)),
		Signal: make([]float64, len(r.Points)),
	}
	for i, p := range r.Points {
		c.Energy[i] = p.EnergyKeV
		c.Signal[i] = p.Intensity
	}
	return c
}

// errHalted marks a cooperative halt inside a point; it never escapes Run.
var errHalted = errors.New("scan: halted")

// Engine runs one scan over a fixed energy sequence.  Engines are single
// use: construct, Run, read the result.  All methods are safe to call
// from other goroutines while Run is in flight.
type Engine struct {
	gw  Gateway
	cfg Config
	seq energy.Sequence

	cancel     chan struct{}
	cancelOnce sync.Once

	events chan Event

	mu     sync.Mutex
	state  State
	result Result
}

// NewEngine prepares a scan over seq.  The config and sequence are copied;
// later mutation by the caller does not reach the running scan.
func NewEngine(gw Gateway, cfg Config, seq energy.Sequence) *Engine {
	return &Engine{
		gw:     gw,
		cfg:    cfg,
		seq:    seq.Clone(),
		cancel: make(chan struct{}),
		// sized for a Point and Progress per energy plus the terminal
		// event, so emission never blocks the device protocol
		events: make(chan Event, 2*seq.Len()+4),
		state:  Idle,
	}
}

// Run executes the scan and blocks until it reaches a terminal state.
// The returned error is the device failure for Failed, nil for Completed
// and for Cancelled; cancellation is an outcome, not an error.
func (e *Engine) Run() error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return fmt.Errorf("scan: Run on a %v engine; engines are single use", e.state)
	}
	e.state = Running
	e.mu.Unlock()

	started := time.Now()
	points, err := e.loop()
	finished := time.Now()

	final := Completed
	switch {
	case err != nil:
		final = Failed
	case e.cancelled():
		final = Cancelled
	}

	e.mu.Lock()
	e.state = final
	e.result = Result{
		State:    final,
		Points:   points,
		Started:  started,
		Finished: finished,
		Err:      err,
	}
	e.mu.Unlock()

	terminal := Event{Completed: len(points), Total: e.seq.Len(), Err: err}
	switch final {
	case Failed:
		terminal.Kind = KindFailed
	case Cancelled:
		terminal.Kind = KindCancelled
	default:
		terminal.Kind = KindCompleted
	}
	e.emit(terminal)
	close(e.events)
	return err
}

// Cancel asks the engine to halt at the next step boundary.  Idempotent
// and safe from any goroutine; a second Cancel is a no-op.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancel) })
}

// State returns the engine's current lifecycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result is valid once State is terminal.  The Points slice is owned by
// the engine; do not mutate it.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Events returns the telemetry stream.  The channel is buffered for the
// whole scan and closed after the terminal event.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) cancelled() bool {
	select {
	case <-e.cancel:
		return true
	default:
		return false
	}
}

// emit never blocks; the channel is sized for the whole scan.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// loop is the scan proper: one measure per energy, in order, with a
// cancel check at the top of every iteration.
func (e *Engine) loop() ([]Point, error) {
	total := e.seq.Len()
	points := make([]Point, 0, total)
	for i, kev := range e.seq {
		if e.cancelled() {
			return points, nil
		}
		pt, err := e.measure(i, kev)
		if err == errHalted {
			return points, nil
		}
		if err != nil {
			return points, err
		}
		points = append(points, pt)
		e.emit(Event{Kind: KindPoint, Completed: len(points), Total: total, Energy: pt.EnergyKeV, Signal: pt.Intensity})
		e.emit(Event{Kind: KindProgress, Completed: len(points), Total: total})
	}
	return points, nil
}

// measure performs the per-point protocol at one energy.
func (e *Engine) measure(i int, kev float64) (Point, error) {
	ioTimeout := util.SecsToDuration(e.cfg.IOTimeout)
	poll := util.SecsToDuration(e.cfg.PollInterval)

	// command the monochromator
	if err := e.gw.SetValue(e.cfg.EnergyTarget, kev, ioTimeout); err != nil {
		return Point{}, ChannelSetError{Channel: e.cfg.EnergyTarget, Point: i, Cause: err}
	}
	if e.cfg.EnergyMove != "" {
		if err := e.gw.SetValue(e.cfg.EnergyMove, 1, ioTimeout); err != nil {
			return Point{}, ChannelSetError{Channel: e.cfg.EnergyMove, Point: i, Cause: err}
		}
	}
	moved := time.Now()

	if e.cfg.EnergyRBV != "" {
		if err := e.confirm(kev, ioTimeout, poll); err != nil {
			return Point{}, err
		}
	}

	if e.settleFrom(moved) {
		return Point{}, errHalted
	}

	// expose
	if err := e.gw.SetValue(e.cfg.AcquireTrigger, 1, ioTimeout); err != nil {
		return Point{}, ChannelSetError{Channel: e.cfg.AcquireTrigger, Point: i, Cause: err}
	}
	if err := e.awaitIdle(i, ioTimeout, poll); err != nil {
		return Point{}, err
	}

	// read out and reduce
	im, err := e.gw.GetImage(e.cfg.ImageData, ioTimeout)
	if err != nil {
		return Point{}, ImageReadError{Point: i, Cause: err}
	}
	return Point{EnergyKeV: kev, Intensity: im.Sum()}, nil
}

// confirm polls the readback until it reaches the setpoint.  Read errors
// are tolerated until the deadline; a readback IOC hiccup mid-move is not
// worth killing a scan over.
func (e *Engine) confirm(setpoint float64, ioTimeout, poll time.Duration) error {
	deadline := time.Now().Add(util.SecsToDuration(e.cfg.ReadbackTimeout))
	var (
		last    float64
		lastErr error
	)
	for {
		v, err := e.gw.GetValue(e.cfg.EnergyRBV, ioTimeout)
		if err != nil {
			lastErr = err
		} else {
			last = v
			if math.Abs(v-setpoint) <= e.cfg.ReadbackTolerance {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ReadbackTimeoutError{Channel: e.cfg.EnergyRBV, Setpoint: setpoint, LastValue: last, Cause: lastErr}
		}
		time.Sleep(poll)
	}
}

// settleFrom waits out whatever remains of the settle window, measured
// from the moment the move command landed, so confirmation latency counts
// toward settling.  Reports whether a cancel cut the wait short; a halt
// here happens before any exposure, so the point is simply not taken.
func (e *Engine) settleFrom(moved time.Time) (halted bool) {
	remaining := util.SecsToDuration(e.cfg.Settle) - time.Since(moved)
	if remaining <= 0 {
		return e.cancelled()
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-e.cancel:
		return true
	}
}

// awaitIdle polls the acquire status until the detector reports idle.
// A cancel does not interrupt the poll: the in-flight exposure finishes
// and the point is recorded, bounding cancel latency to one step.
func (e *Engine) awaitIdle(point int, ioTimeout, poll time.Duration) error {
	deadline := time.Now().Add(util.SecsToDuration(e.cfg.AcquireTimeout))
	var lastErr error
	for {
		v, err := e.gw.GetValue(e.cfg.AcquireStatus, ioTimeout)
		if err != nil {
			lastErr = err
		} else if v == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return AcquisitionTimeoutError{Point: point, Cause: lastErr}
		}
		time.Sleep(poll)
	}
}
