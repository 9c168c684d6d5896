package hidlink

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// FrameSize is the fixed length of every command frame sent to the
// microcontroller: a 4-byte ASCII tag, two little-endian uint16 arguments
// and two zero padding bytes. Both ends of the UART are little-endian, so the args travel in
// host byte order.
const FrameSize = 10

// Frame tags understood by the HID firmware.
const (
	TagConfig     = "SCFG"
	TagMouseSet   = "MSET"
	TagMouseMove  = "MMOV"
	TagMouseDown  = "MBDN"
	TagMouseUp    = "MBUP"
	TagMouseWheel = "MWHL"
	TagKeyDown    = "KBDN"
	TagKeyUp      = "KBUP"
	TagRelease    = "LEAV"
)

// Flow-control tokens the firmware sends back, one byte per frame consumed.
const (
	tokenConsumed = 0x01
	tokenReset    = 0xFF
)

// Link drives the UART connection to the HID microcontroller. It owns the
// TX-credit counter and the mouse motion accumulators; all methods must be
// called from a single goroutine (the bridge event loop).
type Link struct {
	port    io.ReadWriter
	closer  io.Closer
	verbose bool

	// Frames the firmware can still accept without acknowledgement.
	txWindow int
	txFree   int

	// Minimum spacing between frames, matching the firmware's USB HID
	// polling cadence.
	frameDelay time.Duration

	screenW, screenH uint16

	// Coalesced relative motion since the last flush.
	xDelta, yDelta int16
	// Pending absolute position, -1 when unset.
	xPend, yPend int
}

// Open opens the serial device in raw 8N1 mode at the given baud rate and
// announces the virtual screen size to the firmware.
func Open(device string, baud int, screenW, screenH uint16, txWindow int, verbose bool) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}

	l := New(port, screenW, screenH, txWindow)
	l.closer = port
	l.verbose = verbose

	if err := l.Announce(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to announce screen config: %w", err)
	}

	return l, nil
}

// New wraps an already-open transport. The caller is responsible for sending
// the initial screen announcement.
func New(rw io.ReadWriter, screenW, screenH uint16, txWindow int) *Link {
	return &Link{
		port:       rw,
		txWindow:   txWindow,
		txFree:     txWindow,
		frameDelay: 1600 * time.Microsecond,
		screenW:    screenW,
		screenH:    screenH,
		xPend:      -1,
		yPend:      -1,
	}
}

// Close closes the underlying serial port, if the link owns one.
func (l *Link) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Announce sends the SCFG handshake with the virtual screen size. The
// firmware expects it once on startup and again after every reset.
func (l *Link) Announce() error {
	return l.sendFrame(TagConfig, l.screenW, l.screenH)
}

// acquireTxSlot takes one TX credit, blocking on the serial port for
// consumption tokens when none are free. A reset token re-announces the
// screen config and leaves the remaining credits accounting for the frame
// about to be sent.
func (l *Link) acquireTxSlot() error {
	if l.txFree > 0 {
		l.txFree--
		return nil
	}

	buf := make([]byte, l.txWindow)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			return fmt.Errorf("failed to read flow-control token: %w", err)
		}

		for _, b := range buf[:n] {
			switch b {
			case tokenReset:
				// The device rebooted and its queue is empty again.
				log.Printf("HID device reset detected, re-announcing screen config")
				l.txFree = l.txWindow - 1
				return l.Announce()
			case tokenConsumed:
				l.txFree++
			default:
				log.Printf("unexpected flow-control byte from device: 0x%02x", b)
			}
		}

		if l.txFree > 0 {
			l.txFree--
			return nil
		}
	}
}

func (l *Link) sendFrame(tag string, arg1, arg2 uint16) error {
	if err := l.acquireTxSlot(); err != nil {
		return err
	}

	var frame [FrameSize]byte
	copy(frame[0:4], tag)
	binary.LittleEndian.PutUint16(frame[4:6], arg1)
	binary.LittleEndian.PutUint16(frame[6:8], arg2)

	if l.verbose {
		log.Printf("TX frame: %s %d %d (%s)", tag, arg1, arg2, hex.EncodeToString(frame[:]))
	}

	if _, err := l.port.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", tag, err)
	}

	if l.frameDelay > 0 {
		time.Sleep(l.frameDelay)
	}
	return nil
}

// SetMousePos records a pending absolute cursor position. It is emitted on
// the next Flush unless relative motion arrives first.
func (l *Link) SetMousePos(x, y uint16) {
	l.xPend = int(x)
	l.yPend = int(y)
}

// MouseMove accumulates relative motion for the next Flush.
func (l *Link) MouseMove(xDelta, yDelta int16) {
	l.xDelta += xDelta
	l.yDelta += yDelta
}

// Flush emits at most one motion frame: accumulated relative motion if there
// is any, otherwise a pending absolute position. The emitted slot is reset.
func (l *Link) Flush() error {
	if l.xDelta != 0 || l.yDelta != 0 {
		err := l.sendFrame(TagMouseMove, uint16(l.xDelta), uint16(l.yDelta))
		l.xDelta = 0
		l.yDelta = 0
		return err
	}

	if l.xPend >= 0 || l.yPend >= 0 {
		err := l.sendFrame(TagMouseSet, uint16(l.xPend), uint16(l.yPend))
		l.xPend = -1
		l.yPend = -1
		return err
	}

	return nil
}

// MouseDown presses the buttons in mask.
func (l *Link) MouseDown(mask uint16) error {
	return l.sendFrame(TagMouseDown, mask, 0)
}

// MouseUp releases the buttons in mask.
func (l *Link) MouseUp(mask uint16) error {
	return l.sendFrame(TagMouseUp, mask, 0)
}

// MouseWheel sends wheel ticks, one signed step per axis.
func (l *Link) MouseWheel(xDelta, yDelta int16) error {
	return l.sendFrame(TagMouseWheel, uint16(xDelta), uint16(yDelta))
}

// KeyDown presses a HID keycode.
func (l *Link) KeyDown(code uint16) error {
	return l.sendFrame(TagKeyDown, code, 0)
}

// KeyUp releases a HID keycode.
func (l *Link) KeyUp(code uint16) error {
	return l.sendFrame(TagKeyUp, code, 0)
}

// ReleaseAll releases every held key and button. Sent when the cursor leaves
// our screen so nothing stays stuck on the target machine.
func (l *Link) ReleaseAll() error {
	return l.sendFrame(TagRelease, 0, 0)
}
