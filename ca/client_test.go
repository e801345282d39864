package ca

import (
	"bufio"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"
)

// testGateway is an in-process server speaking the telegram protocol,
// backed by a plain map.
type testGateway struct {
	sync.Mutex
	values map[string]float64
	image  Image
	conns  int
}

func serveGateway(t *testing.T) (string, *testGateway) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error %v", err)
	}
	t.Cleanup(func() { l.Close() })
	gw := &testGateway{
		values: map[string]float64{},
		image:  Image{Width: 2, Height: 2, Pix: []uint16{1, 2, 3, 4}},
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			gw.Lock()
			gw.conns++
			gw.Unlock()
			go gw.serve(conn)
		}
	}()
	return l.Addr().String(), gw
}

func (g *testGateway) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		raw, err := rd.ReadBytes(telEnd)
		if err != nil {
			return
		}
		req, err := decodeFrame(raw)
		if err != nil {
			return
		}
		resp := frame{Op: req.Op, Channel: req.Channel}
		g.Lock()
		switch req.Op {
		case opWriteValue:
			v, err := decodeScalar(req.Payload)
			if err != nil {
				resp.Status = statusFault
			} else {
				g.values[req.Channel] = v
			}
		case opReadValue:
			v, ok := g.values[req.Channel]
			if !ok {
				resp.Status = statusBadChannel
			} else {
				resp.Payload = scalarPayload(v)
			}
		case opReadImage:
			resp.Payload = imagePayload(g.image)
		default:
			resp.Status = statusBadOp
		}
		g.Unlock()
		wire, err := encodeFrame(resp)
		if err != nil {
			return
		}
		if _, err = conn.Write(wire); err != nil {
			return
		}
	}
}

func TestClientSetThenGet(t *testing.T) {
	addr, _ := serveGateway(t)
	c := NewClient(addr)
	if err := c.SetValue("32id:TXMOptics:Energy", 7.25, time.Second); err != nil {
		t.Fatalf("set error %v", err)
	}
	v, err := c.GetValue("32id:TXMOptics:Energy", time.Second)
	if err != nil {
		t.Fatalf("get error %v", err)
	}
	if v != 7.25 {
		t.Errorf("expected 7.25, got %v", v)
	}
}

func TestClientValueWithFramingBytes(t *testing.T) {
	// a float64 whose little endian bytes include the frame delimiters
	// and the escape marker; survives the wire only if escaping works
	hostile := math.Float64frombits(0x3F3F0D0A5E5E0D0A)
	addr, _ := serveGateway(t)
	c := NewClient(addr)
	if err := c.SetValue("pv", hostile, time.Second); err != nil {
		t.Fatalf("set error %v", err)
	}
	v, err := c.GetValue("pv", time.Second)
	if err != nil {
		t.Fatalf("get error %v", err)
	}
	if v != hostile {
		t.Errorf("expected %x, got %x", hostile, v)
	}
}

func TestClientGetImage(t *testing.T) {
	addr, _ := serveGateway(t)
	c := NewClient(addr)
	im, err := c.GetImage("32idbSP1:Pva1:Image", time.Second)
	if err != nil {
		t.Fatalf("image error %v", err)
	}
	if im.Width != 2 || im.Height != 2 {
		t.Errorf("expected 2x2 frame, got %dx%d", im.Width, im.Height)
	}
	if im.Sum() != 10 {
		t.Errorf("expected sum 10, got %v", im.Sum())
	}
}

func TestClientBadChannel(t *testing.T) {
	addr, _ := serveGateway(t)
	c := NewClient(addr)
	_, err := c.GetValue("no:such:pv", time.Second)
	var bce BadChannelError
	if !errors.As(err, &bce) {
		t.Fatalf("expected BadChannelError, got %v", err)
	}
	if bce.Channel != "no:such:pv" {
		t.Errorf("expected the channel name echoed, got %q", bce.Channel)
	}
}

func TestClientReusesConnection(t *testing.T) {
	addr, gw := serveGateway(t)
	c := NewClient(addr)
	for i := 0; i < 5; i++ {
		if err := c.SetValue("pv", float64(i), time.Second); err != nil {
			t.Fatalf("set %d error %v", i, err)
		}
	}
	// a status error must not poison the pooled connection either
	if _, err := c.GetValue("no:such:pv", time.Second); err == nil {
		t.Fatal("expected an error for an unknown channel, got nil")
	}
	if _, err := c.GetValue("pv", time.Second); err != nil {
		t.Fatalf("get error %v", err)
	}
	gw.Lock()
	n := gw.conns
	gw.Unlock()
	if n != 1 {
		t.Errorf("expected 1 connection for 7 ops, got %d", n)
	}
}
