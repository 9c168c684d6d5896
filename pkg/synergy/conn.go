package synergy

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	"github.com/hidbridge/synergy-bridge/pkg/hidlink"
)

// ErrShortPacket is reported when a handler ran out of payload bytes or left
// some unconsumed; either way the stream can no longer be trusted.
var ErrShortPacket = errors.New("synergy: truncated or oversized packet payload")

// EventSink receives connection lifecycle notifications. Its methods are
// called synchronously from the packet handlers, so a slow implementation
// delays input processing; a nil sink is valid and drops everything.
type EventSink interface {
	Connected(major, minor uint16)
	ScreenEnter(x, y uint16)
	ScreenLeave()
}

// Conn holds the state of one Synergy client connection: the response
// assembly buffer, the parse cursor over the packet being handled, and the
// cursor position as the server last reported it.
type Conn struct {
	out     io.Writer
	link    *hidlink.Link
	sink    EventSink
	verbose bool

	greeted bool

	// Parse cursor over the current packet payload. A short read sets
	// recvErr and it stays set until the next packet; decoded values after
	// a short read are zero and must not reach the device, which the
	// end-of-packet check guarantees.
	recvBuf []byte
	recvErr bool

	// Response under assembly. The first 4 bytes are reserved for the
	// length prefix written at flush time.
	resp []byte

	mouseX, mouseY    uint16
	skipNextMouseMove bool
}

// NewConn creates connection state writing responses to out and forwarding
// input to link. sink may be nil.
func NewConn(out io.Writer, link *hidlink.Link, sink EventSink) *Conn {
	return &Conn{
		out:  out,
		link: link,
		sink: sink,
		resp: make([]byte, respPrefixLen, respBufSize),
	}
}

// SetVerbose enables per-packet logging.
func (c *Conn) SetVerbose(v bool) {
	c.verbose = v
}

const (
	respPrefixLen = 4
	respBufSize   = 512
)

func (c *Conn) readU8() uint8 {
	if c.recvErr || len(c.recvBuf) < 1 {
		c.recvErr = true
		return 0
	}
	v := c.recvBuf[0]
	c.recvBuf = c.recvBuf[1:]
	return v
}

func (c *Conn) readU16() uint16 {
	if c.recvErr || len(c.recvBuf) < 2 {
		c.recvErr = true
		return 0
	}
	v := binary.BigEndian.Uint16(c.recvBuf)
	c.recvBuf = c.recvBuf[2:]
	return v
}

func (c *Conn) readU32() uint32 {
	if c.recvErr || len(c.recvBuf) < 4 {
		c.recvErr = true
		return 0
	}
	v := binary.BigEndian.Uint32(c.recvBuf)
	c.recvBuf = c.recvBuf[4:]
	return v
}

func (c *Conn) readI16() int16 {
	return int16(c.readU16())
}

func (c *Conn) readBytes(n int) []byte {
	if n < 0 || c.recvErr || len(c.recvBuf) < n {
		c.recvErr = true
		return nil
	}
	v := c.recvBuf[:n]
	c.recvBuf = c.recvBuf[n:]
	return v
}

// endOfPacket is the per-handler validation contract: every field was
// present and nothing is left over.
func (c *Conn) endOfPacket() error {
	if c.recvErr || len(c.recvBuf) != 0 {
		c.clearResp()
		return ErrShortPacket
	}
	return nil
}

func (c *Conn) writeU8(v uint8) {
	c.resp = append(c.resp, v)
}

func (c *Conn) writeU16(v uint16) {
	c.resp = binary.BigEndian.AppendUint16(c.resp, v)
}

func (c *Conn) writeU32(v uint32) {
	c.resp = binary.BigEndian.AppendUint32(c.resp, v)
}

// writeRaw appends bytes verbatim, used for 4-byte tags and the greeting
// magic.
func (c *Conn) writeRaw(s string) {
	c.resp = append(c.resp, s...)
}

// writeString appends a length-prefixed string.
func (c *Conn) writeString(s string) {
	c.writeU32(uint32(len(s)))
	c.resp = append(c.resp, s...)
}

// flush completes the length prefix and sends the assembled response in one
// write. The protocol has no per-message ack, so a failed send is logged and
// the response dropped.
func (c *Conn) flush() {
	binary.BigEndian.PutUint32(c.resp[0:respPrefixLen], uint32(len(c.resp)-respPrefixLen))

	n, err := c.out.Write(c.resp)
	if err != nil {
		log.Printf("failed to send response: %v", err)
	} else if n != len(c.resp) {
		log.Printf("short response send: %d of %d bytes", n, len(c.resp))
	}

	c.resp = c.resp[:respPrefixLen]
}

// clearResp abandons a response under assembly.
func (c *Conn) clearResp() {
	c.resp = c.resp[:respPrefixLen]
}

// MousePos returns the cursor position as last reported by the server.
func (c *Conn) MousePos() (uint16, uint16) {
	return c.mouseX, c.mouseY
}
