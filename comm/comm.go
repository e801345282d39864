/*Package comm provides connection plumbing for talking to beamline equipment.

The layering most consumers want is:

	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, time.Minute, maker)

	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(conn, time.Second)

Makers dial with an exponential backoff; IOCs and terminal servers do not
like being connection thrashed and will refuse back-to-back dials.  The
timeout wrapper keeps per-exchange deadlines out of the protocol code.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrTimeoutUnsupported is generated when NewTimeout is handed a connection
// with no deadline support, e.g. a serial port.
var ErrTimeoutUnsupported = errors.New("comm: connection does not support deadlines")

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff.  timeout limits each dial attempt; the
// overall retry window is three times that.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by cfg.  Serial ports have no deadline support; put read
// timeouts in the config instead.
func SerialConnMaker(cfg *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

// deadliner is the deadline-bearing subset of net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type timeoutRW struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

// NewTimeout wraps a connection such that every Read or Write refreshes a
// deadline of now+timeout.  The error is ErrTimeoutUnsupported if the
// connection has no deadlines.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	d, ok := rw.(deadliner)
	if !ok {
		return nil, ErrTimeoutUnsupported
	}
	return timeoutRW{rw: rw, d: d, timeout: timeout}, nil
}

func (t timeoutRW) Read(p []byte) (int, error) {
	err := t.d.SetReadDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t timeoutRW) Write(p []byte) (int, error) {
	err := t.d.SetWriteDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}
