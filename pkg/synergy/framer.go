package synergy

import (
	"encoding/binary"
	"errors"
	"log"
)

const (
	// Packets at or above this size have no business in the input event
	// stream and are drained without parsing (clipboard contents, mostly).
	maxPacketSize = 2048

	// Anything this large means the stream is corrupt.
	oversizeLimit = 65536
)

var (
	// ErrOversizePacket marks a declared packet length the protocol could
	// never produce; the connection is unrecoverable.
	ErrOversizePacket = errors.New("synergy: oversize packet, stream corrupt")

	// ErrFragmented marks a partial packet that can never complete within
	// the reassembly limit.
	ErrFragmented = errors.New("synergy: unrecoverable packet fragmentation")
)

// Framer reassembles length-prefixed packets from a TCP byte stream. Partial
// packets are carried across reads; packets too large to care about are
// skipped without buffering.
type Framer struct {
	carry []byte
	skip  int
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{carry: make([]byte, 0, maxPacketSize)}
}

// Feed consumes one TCP read and invokes emit once per completed packet,
// passing the payload without its length prefix. An error from emit or from
// the stream itself stops processing; both are fatal to the connection.
func (f *Framer) Feed(data []byte, emit func(payload []byte) error) error {
	// Finish draining a skipped packet first.
	if f.skip > 0 {
		n := f.skip
		if n > len(data) {
			n = len(data)
		}
		f.skip -= n
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}

	buf := data
	if len(f.carry) > 0 {
		buf = append(f.carry, data...)
		f.carry = f.carry[:0]
	}

	for len(buf) > 0 {
		if len(buf) < 4 {
			return f.save(buf)
		}

		plen := int(binary.BigEndian.Uint32(buf))
		if plen >= oversizeLimit {
			log.Printf("recv oversize packet: pktlen=%d", plen)
			return ErrOversizePacket
		}

		if plen+4 >= maxPacketSize {
			// Too big to parse, small enough to survive: drain it.
			avail := len(buf) - 4
			if plen <= avail {
				buf = buf[plen+4:]
				continue
			}
			log.Printf("skipping oversize payload of %d bytes", plen)
			f.skip = plen - avail
			return nil
		}

		if plen+4 > len(buf) {
			return f.save(buf)
		}

		if err := emit(buf[4 : 4+plen]); err != nil {
			return err
		}
		buf = buf[plen+4:]
	}

	return nil
}

// save retains an incomplete packet for the next read.
func (f *Framer) save(tail []byte) error {
	if len(tail) > maxPacketSize {
		// Unreachable given the size policy above, but a corrupt carry
		// must never grow without bound.
		log.Printf("recv too fragmented packet: carrying %d bytes", len(tail))
		return ErrFragmented
	}
	f.carry = append(f.carry[:0], tail...)
	return nil
}
