package scan

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/aps-txm/xanesctl/curve"
	"github.com/aps-txm/xanesctl/energy"
)

// subBuffer is each subscriber's channel depth.  A subscriber that falls
// further behind than this loses events rather than back-pressuring the
// device loop.
const subBuffer = 64

// Interlock is engaged for the duration of a scan.  The HTTP locker
// satisfies it, bouncing manual channel pokes while the engine owns the
// beamline.
type Interlock interface {
	Lock()
	Unlock()
}

// Session owns at most one running scan, retains the last result, and
// fans telemetry out to subscribers.  Construct with NewSession.
type Session struct {
	// Interlock, when non-nil, is held for the duration of each run.
	// Set it before the first Start.
	Interlock Interlock

	// OnRetire, when non-nil, receives each run's result in its own
	// goroutine after the run retires.  Set it before the first Start.
	OnRetire func(Result)

	gw  Gateway
	cfg Config

	mu        sync.Mutex
	engine    *Engine
	runID     string
	last      *Result
	subs      map[chan Event]struct{}
	completed int
	total     int
}

// NewSession wires a session to a gateway with a fixed scan config.
func NewSession(gw Gateway, cfg Config) *Session {
	return &Session{
		gw:   gw,
		cfg:  cfg,
		subs: map[chan Event]struct{}{},
	}
}

// Config returns the session's scan configuration.
func (s *Session) Config() Config { return s.cfg }

// Gateway returns the channel gateway the session scans through, for
// diagnostic raw access.
func (s *Session) Gateway() Gateway { return s.gw }

// Progress reports points measured so far and the point total of the
// current (or most recent) scan.
func (s *Session) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.total
}

// Start builds the sequence for spec and launches a scan over it,
// returning the run ID that identifies the scan in results and archives.
// Start never waits: while a scan is active it returns ErrScanActive and
// the active scan is undisturbed.  Sequence errors are returned before
// any device is touched.
func (s *Session) Start(spec energy.Spec) (string, error) {
	seq, err := spec.Sequence()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.engine != nil && !s.engine.State().Terminal() {
		s.mu.Unlock()
		return "", ErrScanActive
	}
	eng := NewEngine(s.gw, s.cfg, seq)
	id := uuid.New().String()
	s.engine = eng
	s.runID = id
	s.completed = 0
	s.total = seq.Len()
	if s.Interlock != nil {
		s.Interlock.Lock()
	}
	s.mu.Unlock()

	go func() { _ = eng.Run() }()
	go s.pump(eng, id)
	return id, nil
}

// Cancel asks the active scan to halt; a no-op when nothing runs and
// idempotent when something does.
func (s *Session) Cancel() {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
}

// State reports the active scan's state, or the last result's when idle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return s.engine.State()
	}
	if s.last != nil {
		return s.last.State
	}
	return Idle
}

// LastResult returns the most recently retired scan, complete or partial,
// and whether there is one.
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Analyze computes the edge shift of the last result against a
// theoretical edge energy in keV.
func (s *Session) Analyze(theoreticalKeV float64) (curve.Analysis, error) {
	res, ok := s.LastResult()
	if !ok {
		return curve.Analysis{}, errors.New("scan: no result to analyze; run a scan first")
	}
	return curve.Analyze(res.Curve(), theoreticalKeV)
}

// Subscribe registers for the telemetry feed.  Every subscriber sees
// events in emission order; one that stops draining loses events rather
// than stalling the scan.  The channel closes after a terminal event, or
// when the returned unsubscribe runs; unsubscribing twice is harmless.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// pump fans one engine's telemetry out to subscribers, then retires the
// run: record the result, close subscriber channels, release the
// interlock.  If a newer run has already started, the newer pump owns
// the shared state and this one leaves it alone.
func (s *Session) pump(eng *Engine, runID string) {
	for ev := range eng.Events() {
		ev.RunID = runID
		s.mu.Lock()
		if s.runID == runID && ev.Total > 0 {
			s.completed = ev.Completed
		}
		for ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		s.mu.Unlock()
	}

	res := eng.Result()
	res.RunID = runID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != runID {
		return
	}
	s.last = &res
	s.engine = nil
	if s.Interlock != nil {
		s.Interlock.Unlock()
	}
	if s.OnRetire != nil {
		go s.OnRetire(res)
	}
	// closing the subscriber channels is the retirement signal, so it
	// comes after everything a woken subscriber might read
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}
