package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a
// device.  Connections are closed if the pool goes unused for its timeout
// and re-opened as needed.  It is concurrent safe.  Pools must be created
// with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time after which connections are freed
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	maker   CreationFunc
	lastUse time.Time

	mu sync.Mutex
}

// NewPool creates a new Pool and starts its reclamation goroutine.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
		lastUse: time.Now(),
	}
	go p.reclaim()
	return p
}

// Get retrieves a connection from the pool, dialing a new one if none are
// idle and the pool is not yet at capacity, or blocking until one is
// returned if it is.  It is guaranteed that there is no contestion for the
// ReadWriter.  The consumer should not cast it to its concrete type and use
// it outside this interface.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has gone bad (e.g., all calls error).  ReturnWithError does
// the right thing for the common defer idiom.  If the error from Get is not
// nil, you must not return the connection to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	p.lastUse = time.Now()

	// fast path, an idle connection is waiting
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}

	if p.onLease == p.maxSize {
		// all given out; wait for a return without holding the lock,
		// or Put could never deliver
		p.mu.Unlock()
		c := <-p.conns
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return c, nil
	}

	// reserve a slot before dialing so concurrent Gets cannot overfill
	// the pool
	p.onLease++
	p.mu.Unlock()
	c, err := p.maker()
	if err != nil {
		p.mu.Lock()
		p.onLease--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// freed after the pool has sat idle for its timeout.  Junk connections
// (ones that always error) should be Destroy'd, not Put back.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	p.lastUse = time.Now()
	p.mu.Unlock()
	p.conns <- rwc
}

// Destroy closes a connection and removes it from the pool's accounting.
// This should be used instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	rwc.Close()
}

// ReturnWithError puts rw back in the pool if err is nil, otherwise it
// destroys the connection; a partial exchange leaves unknown bytes in
// flight and the connection cannot be trusted for the next caller.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool or given out from it.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// reclaim closes idle connections after the pool has gone unused for the
// timeout.  Lab devices drop connections held open and silent; better to
// hang up ourselves and redial later.
func (p *Pool) reclaim() {
	interval := p.timeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for range tick.C {
		p.mu.Lock()
		if p.onLease == 0 && time.Since(p.lastUse) > p.timeout {
		drain:
			for {
				select {
				case c := <-p.conns:
					c.Close()
				default:
					break drain
				}
			}
		}
		p.mu.Unlock()
	}
}
