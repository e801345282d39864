package ca

import (
	"bufio"
	"fmt"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/aps-txm/xanesctl/comm"
)

// defaultOpRate is the request pacing applied to a gateway.  The IOCs
// behind the gateway drop back-to-back requests, so we spread them out.
const defaultOpRate = rate.Limit(50)

// Image is a single detector frame.
type Image struct {
	Width  int
	Height int
	Pix    []uint16
}

// Sum is the full-frame sum of pixel values.
func (im Image) Sum() float64 {
	var total float64
	for _, px := range im.Pix {
		total += float64(px)
	}
	return total
}

// Counts is Sum under the name beamline staff use for it.
func (im Image) Counts() float64 { return im.Sum() }

// BadChannelError indicates the gateway does not serve the named channel.
type BadChannelError struct {
	Channel string
}

func (e BadChannelError) Error() string {
	return fmt.Sprintf("ca: gateway does not serve channel %q", e.Channel)
}

// StatusError is a non-OK gateway reply other than a bad channel.
type StatusError struct {
	Channel string
	Status  byte
}

func (e StatusError) Error() string {
	return fmt.Sprintf("ca: gateway returned status %#x for channel %q", e.Status, e.Channel)
}

// Client speaks the telegram protocol to a process variable gateway.
// The zero value is not usable; construct with NewClient or NewClientSerial.
type Client struct {
	pool    *comm.Pool
	limiter *rate.Limiter
}

// NewClient returns a Client for a gateway at a TCP address, "host:port".
func NewClient(addr string) *Client {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return &Client{
		pool:    comm.NewPool(1, time.Minute, maker),
		limiter: rate.NewLimiter(defaultOpRate, 1),
	}
}

// NewClientSerial returns a Client for a gateway bridged over RS-232.
// The port carries its own ReadTimeout, so per-op timeouts do not apply.
func NewClientSerial(cfg *serial.Config) *Client {
	maker := comm.SerialConnMaker(cfg)
	return &Client{
		pool:    comm.NewPool(1, time.Minute, maker),
		limiter: rate.NewLimiter(defaultOpRate, 1),
	}
}

// exchange performs one paced request/reply round trip.  Transport and
// framing errors poison the pooled connection; gateway status errors do
// not, since the stream is still in sync after a well-formed reply.
func (c *Client) exchange(fr frame, timeout time.Duration) (frame, error) {
	tele, err := encodeFrame(fr)
	if err != nil {
		return frame{}, err
	}
	if c.limiter != nil {
		time.Sleep(c.limiter.Reserve().Delay())
	}
	conn, err := c.pool.Get()
	if err != nil {
		return frame{}, err
	}
	defer func() { c.pool.ReturnWithError(conn, err) }()
	wrap, err := comm.NewTimeout(conn, timeout)
	if err != nil {
		if err != comm.ErrTimeoutUnsupported {
			return frame{}, err
		}
		// serial; the port enforces its own timeout
		wrap = conn
		err = nil
	}
	_, err = wrap.Write(tele)
	if err != nil {
		return frame{}, err
	}
	var raw []byte
	raw, err = bufio.NewReader(wrap).ReadBytes(telEnd)
	if err != nil {
		return frame{}, err
	}
	var resp frame
	resp, err = decodeFrame(raw)
	if err != nil {
		return frame{}, err
	}
	if resp.Op != fr.Op {
		err = fmt.Errorf("ca: reply op %#x does not match request op %#x, stream desynchronized", resp.Op, fr.Op)
		return frame{}, err
	}
	switch resp.Status {
	case statusOK:
		return resp, nil
	case statusBadChannel:
		// err stays nil so the connection goes back to the pool
		return frame{}, BadChannelError{Channel: fr.Channel}
	default:
		return frame{}, StatusError{Channel: fr.Channel, Status: resp.Status}
	}
}

// SetValue writes a scalar to a channel.
func (c *Client) SetValue(channel string, value float64, timeout time.Duration) error {
	_, err := c.exchange(frame{
		Op:      opWriteValue,
		Channel: channel,
		Payload: scalarPayload(value),
	}, timeout)
	return err
}

// GetValue reads a scalar from a channel.
func (c *Client) GetValue(channel string, timeout time.Duration) (float64, error) {
	resp, err := c.exchange(frame{Op: opReadValue, Channel: channel}, timeout)
	if err != nil {
		return 0, err
	}
	return decodeScalar(resp.Payload)
}

// GetImage reads a detector frame from a channel.
func (c *Client) GetImage(channel string, timeout time.Duration) (Image, error) {
	resp, err := c.exchange(frame{Op: opReadImage, Channel: channel}, timeout)
	if err != nil {
		return Image{}, err
	}
	return decodeImage(resp.Payload)
}
