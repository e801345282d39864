package ca

import (
	"math"
	"sync"
	"time"
)

// MockConfig describes the channels a Mock emulates and the physics of the
// synthetic beamline behind them.
type MockConfig struct {
	TargetChannel   string // energy setpoint
	MoveChannel     string // write-1 commit of the setpoint
	ReadbackChannel string // ramped energy readback
	TriggerChannel  string // detector acquire
	StatusChannel   string // detector busy readback
	ImageChannel    string // detector frame

	MoveTime    time.Duration // readback ramp duration after a commit
	AcquireTime time.Duration // detector busy duration after a trigger

	EdgeKeV      float64 // absorption edge of the synthetic sample
	EdgeWidthKeV float64 // transition width of the edge
	FrameWidth   int
	FrameHeight  int
}

// DefaultMockConfig uses the sector 32 TXM channel names and a synthetic
// iron foil, so a mock server answers an unmodified production config.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		TargetChannel:   "32id:TXMOptics:Energy",
		MoveChannel:     "32id:TXMOptics:EnergySet",
		ReadbackChannel: "32id:TXMOptics:Energy_RBV",
		TriggerChannel:  "32idbSP1:cam1:Acquire",
		StatusChannel:   "32idbSP1:cam1:Acquire_RBV",
		ImageChannel:    "32idbSP1:Pva1:Image",
		MoveTime:        100 * time.Millisecond,
		AcquireTime:     150 * time.Millisecond,
		EdgeKeV:         7.112,
		EdgeWidthKeV:    0.004,
		FrameWidth:      64,
		FrameHeight:     48,
	}
}

// Mock is an in-memory stand-in for a gateway Client.  The readback ramps
// toward the last committed setpoint over MoveTime, the detector reads
// busy for AcquireTime after a trigger, and frames show a sigmoid
// absorption edge at EdgeKeV, so a scan against a Mock produces a curve
// with a findable edge.  Time-based state is computed lazily at read time;
// there are no goroutines behind it.
type Mock struct {
	sync.Mutex
	cfg MockConfig

	values map[string]float64

	target    float64
	moveFrom  float64
	moveStart time.Time

	acquireStart time.Time
	frozenKeV    float64

	failures map[string]error
	hung     map[string]bool
}

// NewMock returns a Mock.  Zero fields of cfg fall back to
// DefaultMockConfig, so tests can override only what they probe.
func NewMock(cfg MockConfig) *Mock {
	def := DefaultMockConfig()
	if cfg.TargetChannel == "" {
		cfg.TargetChannel = def.TargetChannel
	}
	if cfg.MoveChannel == "" {
		cfg.MoveChannel = def.MoveChannel
	}
	if cfg.ReadbackChannel == "" {
		cfg.ReadbackChannel = def.ReadbackChannel
	}
	if cfg.TriggerChannel == "" {
		cfg.TriggerChannel = def.TriggerChannel
	}
	if cfg.StatusChannel == "" {
		cfg.StatusChannel = def.StatusChannel
	}
	if cfg.ImageChannel == "" {
		cfg.ImageChannel = def.ImageChannel
	}
	if cfg.MoveTime == 0 {
		cfg.MoveTime = def.MoveTime
	}
	if cfg.AcquireTime == 0 {
		cfg.AcquireTime = def.AcquireTime
	}
	if cfg.EdgeKeV == 0 {
		cfg.EdgeKeV = def.EdgeKeV
	}
	if cfg.EdgeWidthKeV == 0 {
		cfg.EdgeWidthKeV = def.EdgeWidthKeV
	}
	if cfg.FrameWidth == 0 {
		cfg.FrameWidth = def.FrameWidth
	}
	if cfg.FrameHeight == 0 {
		cfg.FrameHeight = def.FrameHeight
	}
	return &Mock{
		cfg:      cfg,
		values:   map[string]float64{},
		failures: map[string]error{},
		hung:     map[string]bool{},
	}
}

// FailChannel injects an error returned by every op touching the channel.
// A nil error clears the injection.
func (m *Mock) FailChannel(channel string, err error) {
	m.Lock()
	defer m.Unlock()
	if err == nil {
		delete(m.failures, channel)
		return
	}
	m.failures[channel] = err
}

// HangChannel freezes a channel: a hung readback never converges and a
// hung status never leaves busy.  Used to exercise timeout paths.
func (m *Mock) HangChannel(channel string) {
	m.Lock()
	defer m.Unlock()
	m.hung[channel] = true
}

// readbackAt is the ramp position at time t.  Callers hold the lock.
func (m *Mock) readbackAt(t time.Time) float64 {
	if m.moveStart.IsZero() || m.hung[m.cfg.ReadbackChannel] {
		return m.moveFrom
	}
	if m.cfg.MoveTime <= 0 {
		return m.target
	}
	frac := float64(t.Sub(m.moveStart)) / float64(m.cfg.MoveTime)
	if frac >= 1 {
		return m.target
	}
	return m.moveFrom + (m.target-m.moveFrom)*frac
}

// statusAt is the detector busy flag at time t.  Callers hold the lock.
func (m *Mock) statusAt(t time.Time) float64 {
	if m.acquireStart.IsZero() {
		return 0
	}
	if m.hung[m.cfg.StatusChannel] || t.Sub(m.acquireStart) < m.cfg.AcquireTime {
		return 1
	}
	return 0
}

// frameAt renders the synthetic detector frame for an energy.  The mean
// level follows a rising sigmoid across the edge; a small fixed per-pixel
// pattern keeps the frame from being flat.
func (m *Mock) frameAt(keV float64) Image {
	mu := 1 / (1 + math.Exp(-(keV-m.cfg.EdgeKeV)/m.cfg.EdgeWidthKeV))
	base := uint16(200 + 3600*mu)
	im := Image{
		Width:  m.cfg.FrameWidth,
		Height: m.cfg.FrameHeight,
		Pix:    make([]uint16, m.cfg.FrameWidth*m.cfg.FrameHeight),
	}
	for i := range im.Pix {
		im.Pix[i] = base + uint16(i%13)
	}
	return im
}

// SetValue writes a scalar to a channel.  The timeout is accepted for
// interface compatibility and ignored; a Mock never blocks.
func (m *Mock) SetValue(channel string, value float64, timeout time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if err := m.failures[channel]; err != nil {
		return err
	}
	now := time.Now()
	m.values[channel] = value
	switch channel {
	case m.cfg.TargetChannel:
		m.target = value
	case m.cfg.MoveChannel:
		m.moveFrom = m.readbackAt(now)
		m.moveStart = now
	case m.cfg.TriggerChannel:
		m.frozenKeV = m.readbackAt(now)
		m.acquireStart = now
	}
	return nil
}

// GetValue reads a scalar from a channel.
func (m *Mock) GetValue(channel string, timeout time.Duration) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failures[channel]; err != nil {
		return 0, err
	}
	now := time.Now()
	switch channel {
	case m.cfg.ReadbackChannel:
		return m.readbackAt(now), nil
	case m.cfg.StatusChannel:
		return m.statusAt(now), nil
	}
	v, ok := m.values[channel]
	if !ok {
		return 0, BadChannelError{Channel: channel}
	}
	return v, nil
}

// GetImage reads the detector frame.  Frames reflect the energy at the
// moment of the last trigger, or the live readback if never triggered.
func (m *Mock) GetImage(channel string, timeout time.Duration) (Image, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failures[channel]; err != nil {
		return Image{}, err
	}
	if channel != m.cfg.ImageChannel {
		return Image{}, BadChannelError{Channel: channel}
	}
	keV := m.frozenKeV
	if m.acquireStart.IsZero() {
		keV = m.readbackAt(time.Now())
	}
	return m.frameAt(keV), nil
}
