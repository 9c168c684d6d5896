package synergy

import (
	"errors"
	"fmt"
	"log"

	"github.com/hidbridge/synergy-bridge/pkg/config"
	"github.com/hidbridge/synergy-bridge/pkg/keymap"
)

// Protocol version this client speaks.
const (
	protoMajor = 1
	protoMinor = 6
)

const greetingMagic = "Synergy"

// ErrBadGreeting is returned when the server's hello is malformed.
var ErrBadGreeting = errors.New("synergy: malformed greeting")

// HandlePacket processes one complete packet payload. The first packet of a
// connection is the greeting; everything after it is dispatched by its
// 4-byte tag. A non-nil error means the connection is broken and the process
// should exit.
func (c *Conn) HandlePacket(payload []byte) error {
	c.recvBuf = payload
	c.recvErr = false

	if !c.greeted {
		return c.handleGreeting()
	}

	tag := string(c.readBytes(4))
	if c.recvErr {
		c.recvErr = false
		c.recvBuf = nil
		return fmt.Errorf("synergy: packet of %d bytes is too short for a tag", len(payload))
	}

	if c.verbose {
		log.Printf("recv %s, payload %d bytes", tag, len(c.recvBuf))
	}

	switch tag {
	case "QINF":
		return c.handleQueryInfo()
	case "CIAK":
		return c.endOfPacket()
	case "CROP":
		return c.endOfPacket()
	case "DSOP":
		return c.handleSetOptions()
	case "CALV":
		return c.handleKeepAlive()
	case "CINN":
		return c.handleScreenEnter()
	case "COUT":
		return c.handleScreenLeave()
	case "DCLP":
		return c.handleClipboard()
	case "DMMV":
		return c.handleMouseMove()
	case "DMRM":
		return c.handleMouseRelMove()
	case "DMDN":
		return c.handleMouseDown()
	case "DMUP":
		return c.handleMouseUp()
	case "DMWM":
		return c.handleMouseWheel()
	case "DKDN":
		return c.handleKeyDown()
	case "DKRP":
		return c.handleKeyRepeat()
	case "DKUP":
		return c.handleKeyUp()
	default:
		// The server sends plenty of messages a bare screen does not
		// implement; dropping them keeps the connection alive.
		log.Printf("ignoring unknown packet tag %q (%d byte payload)", tag, len(c.recvBuf))
		c.recvBuf = nil
		return nil
	}
}

// handleGreeting validates the server hello and replies with our protocol
// version and screen name.
func (c *Conn) handleGreeting() error {
	if len(c.recvBuf) != len(greetingMagic)+4 {
		log.Printf("invalid greeting length (got %d bytes, expected %d)",
			len(c.recvBuf), len(greetingMagic)+4)
		return ErrBadGreeting
	}

	magic := c.readBytes(len(greetingMagic))
	if string(magic) != greetingMagic {
		log.Printf("greeting has wrong magic %q", magic)
		return ErrBadGreeting
	}

	major := c.readU16()
	minor := c.readU16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	log.Printf("server speaks synergy protocol %d.%d", major, minor)

	c.writeRaw(greetingMagic)
	c.writeU16(protoMajor)
	c.writeU16(protoMinor)
	c.writeString(config.Hostname)
	c.flush()

	c.greeted = true
	if c.sink != nil {
		c.sink.Connected(major, minor)
	}
	return nil
}

// handleQueryInfo reports the virtual screen geometry.
func (c *Conn) handleQueryInfo() error {
	if err := c.endOfPacket(); err != nil {
		return err
	}

	c.writeRaw("DINF")
	c.writeU16(config.ScreenX)
	c.writeU16(config.ScreenY)
	c.writeU16(config.ScreenW)
	c.writeU16(config.ScreenH)
	c.writeU16(0) // warp zone size
	c.writeU16(0) // cursor x
	c.writeU16(0) // cursor y
	c.flush()
	return nil
}

// handleSetOptions parses the server's option list. The options themselves
// only affect features this client does not implement.
func (c *Conn) handleSetOptions() error {
	n := c.readU32()
	if c.recvErr || n%2 != 0 || int(n)*4 != len(c.recvBuf) {
		c.clearResp()
		return fmt.Errorf("synergy: malformed DSOP (n=%d, %d payload bytes left)", n, len(c.recvBuf))
	}

	for i := uint32(0); i < n/2; i++ {
		opt := c.readU32()
		val := c.readU32()
		log.Printf("server option 0x%08x = %d", opt, val)
	}
	return c.endOfPacket()
}

// handleKeepAlive echoes the keepalive so the server does not drop us.
func (c *Conn) handleKeepAlive() error {
	if err := c.endOfPacket(); err != nil {
		return err
	}
	c.writeRaw("CALV")
	c.flush()
	return nil
}

// handleScreenEnter processes the cursor arriving on our screen. The server
// follows up with an absolute mouse move to the same coordinates, which
// would double-apply; the one-shot skip flag eats it.
func (c *Conn) handleScreenEnter() error {
	x := c.readU16()
	y := c.readU16()
	seq := c.readU32()
	mods := c.readU16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	log.Printf("screen enter at (%d, %d), seq=%d, mods=0x%04x", x, y, seq, mods)

	c.mouseX, c.mouseY = x, y
	c.skipNextMouseMove = true
	c.link.SetMousePos(x, y)
	if c.sink != nil {
		c.sink.ScreenEnter(x, y)
	}
	return nil
}

// handleScreenLeave releases everything so no key or button stays held on
// the target machine.
func (c *Conn) handleScreenLeave() error {
	if err := c.endOfPacket(); err != nil {
		return err
	}

	log.Printf("screen leave")
	if err := c.link.ReleaseAll(); err != nil {
		log.Printf("failed to release inputs: %v", err)
	}
	if c.sink != nil {
		c.sink.ScreenLeave()
	}
	return nil
}

// handleClipboard consumes clipboard data. Clipboard transfer is
// intentionally unsupported; payloads too large for the framer never even
// get here.
func (c *Conn) handleClipboard() error {
	id := c.readU8()
	seq := c.readU32()
	mark := c.readU8()
	slen := c.readU32()
	c.readBytes(int(slen))
	if err := c.endOfPacket(); err != nil {
		return err
	}

	log.Printf("ignoring clipboard data: id=%d seq=%d mark=%d len=%d", id, seq, mark, slen)
	return nil
}

// handleMouseMove applies an absolute cursor position from the server.
func (c *Conn) handleMouseMove() error {
	x := c.readU16()
	y := c.readU16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	if c.skipNextMouseMove {
		c.skipNextMouseMove = false
		return nil
	}

	c.mouseX, c.mouseY = x, y
	c.link.SetMousePos(x, y)
	return nil
}

// handleMouseRelMove applies server-relative motion and keeps the tracked
// position inside the screen.
func (c *Conn) handleMouseRelMove() error {
	xDelta := c.readI16()
	yDelta := c.readI16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	c.link.MouseMove(xDelta, yDelta)

	c.mouseX = clampCoord(int(c.mouseX)+int(xDelta), config.ScreenW-1)
	c.mouseY = clampCoord(int(c.mouseY)+int(yDelta), config.ScreenH-1)
	return nil
}

func clampCoord(v, hi int) uint16 {
	if v < 0 {
		return 0
	}
	if v > hi {
		return uint16(hi)
	}
	return uint16(v)
}

func (c *Conn) handleMouseDown() error {
	id := c.readU8()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	if err := c.link.MouseDown(keymap.ButtonMask(id)); err != nil {
		log.Printf("failed to send button down: %v", err)
	}
	return nil
}

func (c *Conn) handleMouseUp() error {
	id := c.readU8()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	if err := c.link.MouseUp(keymap.ButtonMask(id)); err != nil {
		log.Printf("failed to send button up: %v", err)
	}
	return nil
}

// handleMouseWheel forwards wheel motion one tick at a time.
func (c *Conn) handleMouseWheel() error {
	xDelta := c.readI16()
	yDelta := c.readI16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	if err := c.link.MouseWheel(signum(xDelta), signum(yDelta)); err != nil {
		log.Printf("failed to send wheel: %v", err)
	}
	return nil
}

func signum(v int16) int16 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func (c *Conn) handleKeyDown() error {
	id := c.readU16()
	mods := c.readU16()
	phys := c.readU16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	code := keymap.ToHID(phys, id)
	if c.verbose {
		log.Printf("key down: id=0x%04x phys=0x%04x mods=0x%04x -> hid=0x%04x", id, mods, phys, code)
	}
	if err := c.link.KeyDown(code); err != nil {
		log.Printf("failed to send key down: %v", err)
	}
	return nil
}

// handleKeyRepeat validates the packet and drops it; the target OS
// auto-repeats held keys on its own.
func (c *Conn) handleKeyRepeat() error {
	c.readBytes(8)
	return c.endOfPacket()
}

func (c *Conn) handleKeyUp() error {
	id := c.readU16()
	mods := c.readU16()
	phys := c.readU16()
	if err := c.endOfPacket(); err != nil {
		return err
	}

	code := keymap.ToHID(phys, id)
	if c.verbose {
		log.Printf("key up: id=0x%04x phys=0x%04x mods=0x%04x -> hid=0x%04x", id, mods, phys, code)
	}
	if err := c.link.KeyUp(code); err != nil {
		log.Printf("failed to send key up: %v", err)
	}
	return nil
}
