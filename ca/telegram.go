/*Package ca speaks to the beamline's process variable gateway.

The gateway multiplexes get/set/image access to the control system over a
single TCP (or serial) link.  Exchanges are framed as telegrams:

	[SOT] [OP] [STATUS] [NAMELEN] [NAME...] [PAYLOAD...] [CRC16] [EOT]

Everything between SOT and EOT is escaped so the delimiters can never
appear inside a frame, then a CRC-16/CCITT (XMODEM) of the unescaped body
guards against corruption on the long haul to the hutch.  Scalar payloads
are little endian float64; image payloads are two uint16 dimensions
followed by width*height uint16 pixels.
*/
package ca

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/snksoft/crc"
)

const (
	// telStart is the start of telegram byte
	telStart = 0x0D

	// telEnd is the end of telegram byte
	telEnd = 0x0A

	// escMark is the byte introducing an escaped special character
	escMark = 0x5E

	// escShift is the amount special characters are shifted up.
	// special characters max out at 0x5E, so we never overflow
	escShift = 0x40
)

// Operations understood by the gateway.
const (
	opReadValue  byte = 0x01
	opWriteValue byte = 0x02
	opReadImage  byte = 0x03
)

// Reply status codes.
const (
	statusOK         byte = 0x00
	statusBadChannel byte = 0x01
	statusBadOp      byte = 0x02
	statusFault      byte = 0x03
)

var (
	// dataOrder is the byte order of payloads
	dataOrder = binary.LittleEndian

	// specialChars must never appear raw inside a frame
	specialChars = []byte{telEnd, telStart, escMark}

	crcTable = crc.NewTable(crc.XMODEM)

	// ErrCRC is generated when a received frame fails its checksum;
	// the exchange is garbage and the connection suspect
	ErrCRC = errors.New("ca: crc mismatch, data lost in transmission")
)

// frame is a decoded telegram.
type frame struct {
	Op      byte
	Status  byte
	Channel string
	Payload []byte
}

// crcHelper computes the two-byte CRC value in one line.
func crcHelper(buf []byte) []byte {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, buf)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, crcTable.CRC16(c))
	return out
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if bytes.IndexByte(specialChars, b) >= 0 {
			out = append(out, escMark, b+escShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	shiftNext := false
	for _, b := range data {
		if b == escMark && !shiftNext {
			shiftNext = true
			continue
		}
		if shiftNext {
			b -= escShift
			shiftNext = false
		}
		out = append(out, b)
	}
	return out
}

// encodeFrame renders a frame to wire bytes, SOT through EOT.
func encodeFrame(fr frame) ([]byte, error) {
	if len(fr.Channel) > 255 {
		return nil, fmt.Errorf("ca: channel name %q longer than 255 bytes", fr.Channel)
	}
	body := make([]byte, 0, 3+len(fr.Channel)+len(fr.Payload))
	body = append(body, fr.Op, fr.Status, byte(len(fr.Channel)))
	body = append(body, fr.Channel...)
	body = append(body, fr.Payload...)
	body = append(body, crcHelper(body)...)

	out := append([]byte{telStart}, escape(body)...)
	out = append(out, telEnd)
	return out, nil
}

// decodeFrame parses wire bytes back into a frame, verifying the CRC.
// The input may carry leading noise before SOT; it must end at EOT.
func decodeFrame(raw []byte) (frame, error) {
	iStart := bytes.IndexByte(raw, telStart)
	if iStart < 0 {
		return frame{}, fmt.Errorf("ca: telegram start byte %#x not found", telStart)
	}
	iEnd := bytes.IndexByte(raw[iStart:], telEnd)
	if iEnd < 0 {
		return frame{}, fmt.Errorf("ca: telegram end byte %#x not found", telEnd)
	}
	body := unescape(raw[iStart+1 : iStart+iEnd])
	if len(body) < 5 { // op, status, namelen, crc16
		return frame{}, fmt.Errorf("ca: telegram too short, %d bytes after unescape", len(body))
	}

	crcRecv := body[len(body)-2:]
	body = body[:len(body)-2]
	if !bytes.Equal(crcRecv, crcHelper(body)) {
		return frame{}, ErrCRC
	}

	nameLen := int(body[2])
	if len(body) < 3+nameLen {
		return frame{}, fmt.Errorf("ca: telegram name truncated, want %d bytes have %d", nameLen, len(body)-3)
	}
	return frame{
		Op:      body[0],
		Status:  body[1],
		Channel: string(body[3 : 3+nameLen]),
		Payload: body[3+nameLen:],
	}, nil
}

func scalarPayload(v float64) []byte {
	out := make([]byte, 8)
	dataOrder.PutUint64(out, math.Float64bits(v))
	return out
}

func decodeScalar(payload []byte) (float64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("ca: scalar payload is %d bytes, want 8", len(payload))
	}
	return math.Float64frombits(dataOrder.Uint64(payload)), nil
}

func imagePayload(im Image) []byte {
	out := make([]byte, 4+2*len(im.Pix))
	dataOrder.PutUint16(out[0:2], uint16(im.Width))
	dataOrder.PutUint16(out[2:4], uint16(im.Height))
	for i, px := range im.Pix {
		dataOrder.PutUint16(out[4+2*i:], px)
	}
	return out
}

func decodeImage(payload []byte) (Image, error) {
	if len(payload) < 4 {
		return Image{}, fmt.Errorf("ca: image payload is %d bytes, want at least 4", len(payload))
	}
	w := int(dataOrder.Uint16(payload[0:2]))
	h := int(dataOrder.Uint16(payload[2:4]))
	want := 4 + 2*w*h
	if len(payload) != want {
		return Image{}, fmt.Errorf("ca: image payload is %d bytes, want %d for %dx%d", len(payload), want, w, h)
	}
	im := Image{Width: w, Height: h, Pix: make([]uint16, w*h)}
	for i := range im.Pix {
		im.Pix[i] = dataOrder.Uint16(payload[4+2*i:])
	}
	return im, nil
}
