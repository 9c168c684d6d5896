package synergy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hidbridge/synergy-bridge/pkg/hidlink"
)

// serialRecorder stands in for the HID device: it captures frames and hands
// out flow-control tokens freely.
type serialRecorder struct {
	tx bytes.Buffer
}

func (p *serialRecorder) Read(b []byte) (int, error) {
	b[0] = 0x01
	return 1, nil
}

func (p *serialRecorder) Write(b []byte) (int, error) { return p.tx.Write(b) }

func (p *serialRecorder) frames(t *testing.T) [][]byte {
	t.Helper()
	raw := p.tx.Bytes()
	if len(raw)%hidlink.FrameSize != 0 {
		t.Fatalf("serial output is not frame-aligned: %d bytes", len(raw))
	}
	var out [][]byte
	for i := 0; i < len(raw); i += hidlink.FrameSize {
		out = append(out, raw[i:i+hidlink.FrameSize])
	}
	return out
}

func newTestConn() (*Conn, *bytes.Buffer, *serialRecorder) {
	var out bytes.Buffer
	port := &serialRecorder{}
	link := hidlink.New(port, 1920, 1080, 4)
	return NewConn(&out, link, nil), &out, port
}

// greet drives the connection into the steady phase.
func greet(t *testing.T, c *Conn, out *bytes.Buffer) {
	t.Helper()
	hello := append([]byte("Synergy"), 0x00, 0x01, 0x00, 0x06)
	if err := c.HandlePacket(hello); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	out.Reset()
}

func TestGreetingResponse(t *testing.T) {
	c, out, _ := newTestConn()

	hello := append([]byte("Synergy"), 0x00, 0x01, 0x00, 0x06)
	if err := c.HandlePacket(hello); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x11,
		'S', 'y', 'n', 'e', 'r', 'g', 'y',
		0x00, 0x01, 0x00, 0x06,
		0x00, 0x00, 0x00, 0x02, 'P', 'C',
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("greeting response = %x, want %x", out.Bytes(), want)
	}
}

func TestGreetingRejectsBadMagic(t *testing.T) {
	c, _, _ := newTestConn()

	hello := append([]byte("Synergx"), 0x00, 0x01, 0x00, 0x06)
	if err := c.HandlePacket(hello); !errors.Is(err, ErrBadGreeting) {
		t.Fatalf("HandlePacket = %v, want ErrBadGreeting", err)
	}
}

func TestGreetingRejectsBadLength(t *testing.T) {
	c, _, _ := newTestConn()

	if err := c.HandlePacket([]byte("Synergy")); !errors.Is(err, ErrBadGreeting) {
		t.Fatalf("HandlePacket = %v, want ErrBadGreeting", err)
	}
}

func TestQueryInfoResponse(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	if err := c.HandlePacket([]byte("QINF")); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x12,
		'D', 'I', 'N', 'F',
		0x00, 0x00, 0x00, 0x00, // x, y
		0x07, 0x80, 0x04, 0x38, // 1920, 1080
		0x00, 0x00, // warp
		0x00, 0x00, 0x00, 0x00, // mx, my
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("DINF = %x, want %x", out.Bytes(), want)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	if err := c.HandlePacket([]byte("CALV")); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	want := []byte{0x00, 0x00, 0x00, 0x04, 'C', 'A', 'L', 'V'}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("keepalive = %x, want %x", out.Bytes(), want)
	}
}

func TestKeyDownUpSerialFrames(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	down := append([]byte("DKDN"), 0x00, 0x41, 0x00, 0x01, 0x00, 0x00)
	up := append([]byte("DKUP"), 0x00, 0x41, 0x00, 0x01, 0x00, 0x00)
	if err := c.HandlePacket(down); err != nil {
		t.Fatalf("DKDN: %v", err)
	}
	if err := c.HandlePacket(up); err != nil {
		t.Fatalf("DKUP: %v", err)
	}

	fs := port.frames(t)
	if len(fs) != 2 {
		t.Fatalf("expected 2 serial frames, got %d", len(fs))
	}
	// 'A' with no physical id translates to HID key A (0x04).
	wantDown := []byte{'K', 'B', 'D', 'N', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}
	wantUp := []byte{'K', 'B', 'U', 'P', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(fs[0], wantDown) {
		t.Errorf("down frame = %x, want %x", fs[0], wantDown)
	}
	if !bytes.Equal(fs[1], wantUp) {
		t.Errorf("up frame = %x, want %x", fs[1], wantUp)
	}
}

func TestMouseButtonTranslated(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	if err := c.HandlePacket(append([]byte("DMDN"), 3)); err != nil {
		t.Fatalf("DMDN: %v", err)
	}

	fs := port.frames(t)
	if len(fs) != 1 {
		t.Fatalf("expected 1 serial frame, got %d", len(fs))
	}
	// Synergy's right button (3) is bit 1 downstream.
	want := []byte{'M', 'B', 'D', 'N', 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(fs[0], want) {
		t.Errorf("button frame = %x, want %x", fs[0], want)
	}
}

func TestWheelSignum(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	pkt := append([]byte("DMWM"), 0x00, 0x78, 0xFF, 0x88) // +120, -120
	if err := c.HandlePacket(pkt); err != nil {
		t.Fatalf("DMWM: %v", err)
	}

	fs := port.frames(t)
	want := []byte{'M', 'W', 'H', 'L', 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x00}
	if !bytes.Equal(fs[0], want) {
		t.Errorf("wheel frame = %x, want %x", fs[0], want)
	}
}

func TestScreenEnterSkipsNextMouseMove(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	enter := append([]byte("CINN"),
		0x00, 0x64, 0x00, 0xC8, // x=100, y=200
		0x00, 0x00, 0x00, 0x07, // seq
		0x00, 0x00) // mods
	if err := c.HandlePacket(enter); err != nil {
		t.Fatalf("CINN: %v", err)
	}

	// The server's follow-up absolute move is swallowed once.
	move := append([]byte("DMMV"), 0x00, 0x64, 0x00, 0xC8)
	if err := c.HandlePacket(move); err != nil {
		t.Fatalf("DMMV: %v", err)
	}

	// A later move lands normally.
	move2 := append([]byte("DMMV"), 0x01, 0x00, 0x01, 0x40)
	if err := c.HandlePacket(move2); err != nil {
		t.Fatalf("second DMMV: %v", err)
	}

	if x, y := c.MousePos(); x != 256 || y != 320 {
		t.Errorf("tracked position = (%d, %d), want (256, 320)", x, y)
	}

	// Flush emits the latest pending absolute position exactly once.
	if err := c.link.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	fs := port.frames(t)
	if len(fs) != 1 {
		t.Fatalf("expected 1 serial frame, got %d", len(fs))
	}
	want := []byte{'M', 'S', 'E', 'T', 0x00, 0x01, 0x40, 0x01, 0x00, 0x00}
	if !bytes.Equal(fs[0], want) {
		t.Errorf("MSET frame = %x, want %x", fs[0], want)
	}
}

func TestScreenLeaveReleasesInputs(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	if err := c.HandlePacket([]byte("COUT")); err != nil {
		t.Fatalf("COUT: %v", err)
	}

	fs := port.frames(t)
	if len(fs) != 1 || string(fs[0][0:4]) != "LEAV" {
		t.Fatalf("expected one LEAV frame, got %q", fs)
	}
}

func TestRelativeMoveAccumulatesAndClamps(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	rel := func(dx, dy int16) []byte {
		pkt := []byte("DMRM")
		pkt = binary.BigEndian.AppendUint16(pkt, uint16(dx))
		pkt = binary.BigEndian.AppendUint16(pkt, uint16(dy))
		return pkt
	}

	if err := c.HandlePacket(rel(-50, 10)); err != nil {
		t.Fatalf("DMRM: %v", err)
	}
	if err := c.HandlePacket(rel(20, 5)); err != nil {
		t.Fatalf("DMRM: %v", err)
	}

	// Deltas pass through to the device untouched; the tracked position
	// clamps at the screen edge on each step.
	if x, y := c.MousePos(); x != 20 || y != 15 {
		t.Errorf("tracked position = (%d, %d), want (20, 15)", x, y)
	}

	if err := c.link.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	fs := port.frames(t)
	if len(fs) != 1 {
		t.Fatalf("expected 1 serial frame, got %d", len(fs))
	}
	want := []byte{'M', 'M', 'O', 'V', 0xE2, 0xFF, 0x0F, 0x00, 0x00, 0x00} // -30, 15 LE
	if !bytes.Equal(fs[0], want) {
		t.Errorf("MMOV frame = %x, want %x", fs[0], want)
	}
}

func TestRelativeMoveClampsHighEdge(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	enter := append([]byte("CINN"),
		0x07, 0x00, 0x04, 0x00, // x=1792, y=1024
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00)
	if err := c.HandlePacket(enter); err != nil {
		t.Fatalf("CINN: %v", err)
	}

	rel := []byte("DMRM")
	rel = binary.BigEndian.AppendUint16(rel, uint16(int16(500)))
	rel = binary.BigEndian.AppendUint16(rel, uint16(int16(500)))
	if err := c.HandlePacket(rel); err != nil {
		t.Fatalf("DMRM: %v", err)
	}

	if x, y := c.MousePos(); x != 1919 || y != 1079 {
		t.Errorf("tracked position = (%d, %d), want (1919, 1079)", x, y)
	}
}

func TestClipboardConsumedAndIgnored(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	data := []byte("hello clipboard")
	pkt := []byte("DCLP")
	pkt = append(pkt, 0x00)                               // id
	pkt = binary.BigEndian.AppendUint32(pkt, 1)           // seq
	pkt = append(pkt, 0x02)                               // mark
	pkt = binary.BigEndian.AppendUint32(pkt, uint32(len(data)))
	pkt = append(pkt, data...)

	if err := c.HandlePacket(pkt); err != nil {
		t.Fatalf("DCLP: %v", err)
	}
	if out.Len() != 0 || port.tx.Len() != 0 {
		t.Error("clipboard packet produced output")
	}
}

func TestSetOptions(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	pkt := []byte("DSOP")
	pkt = binary.BigEndian.AppendUint32(pkt, 4) // two (option, value) pairs
	pkt = binary.BigEndian.AppendUint32(pkt, 0x48424944)
	pkt = binary.BigEndian.AppendUint32(pkt, 1)
	pkt = binary.BigEndian.AppendUint32(pkt, 0x54455354)
	pkt = binary.BigEndian.AppendUint32(pkt, 0)
	if err := c.HandlePacket(pkt); err != nil {
		t.Fatalf("DSOP: %v", err)
	}
}

func TestSetOptionsRejectsOddCount(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	pkt := []byte("DSOP")
	pkt = binary.BigEndian.AppendUint32(pkt, 3)
	pkt = binary.BigEndian.AppendUint32(pkt, 1)
	pkt = binary.BigEndian.AppendUint32(pkt, 2)
	pkt = binary.BigEndian.AppendUint32(pkt, 3)
	if err := c.HandlePacket(pkt); err == nil {
		t.Fatal("odd DSOP count accepted")
	}
}

func TestSetOptionsRejectsLengthMismatch(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	pkt := []byte("DSOP")
	pkt = binary.BigEndian.AppendUint32(pkt, 4)
	pkt = binary.BigEndian.AppendUint32(pkt, 1) // only one value follows
	if err := c.HandlePacket(pkt); err == nil {
		t.Fatal("truncated DSOP accepted")
	}
}

func TestUnknownTagIgnored(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	pkt := append([]byte("EICV"), 0xDE, 0xAD, 0xBE, 0xEF)
	if err := c.HandlePacket(pkt); err != nil {
		t.Fatalf("unknown tag: %v", err)
	}
	if out.Len() != 0 || port.tx.Len() != 0 {
		t.Error("unknown tag produced output")
	}

	// The connection keeps working.
	if err := c.HandlePacket([]byte("CALV")); err != nil {
		t.Fatalf("CALV after unknown tag: %v", err)
	}
}

func TestConnectAckAndResetOptionsAreNoOps(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	for _, tag := range []string{"CIAK", "CROP"} {
		if err := c.HandlePacket([]byte(tag)); err != nil {
			t.Fatalf("%s: %v", tag, err)
		}
	}
	if out.Len() != 0 || port.tx.Len() != 0 {
		t.Error("no-op packets produced output")
	}
}

func TestKeyRepeatValidatedNoOp(t *testing.T) {
	c, out, port := newTestConn()
	greet(t, c, out)

	pkt := append([]byte("DKRP"), 0, 0x41, 0, 1, 0, 2, 0, 0)
	if err := c.HandlePacket(pkt); err != nil {
		t.Fatalf("DKRP: %v", err)
	}
	if port.tx.Len() != 0 {
		t.Error("key repeat reached the serial link")
	}

	if err := c.HandlePacket(append([]byte("DKRP"), 0, 0x41)); err == nil {
		t.Error("short DKRP accepted")
	}
}

func TestTruncatedEventRejected(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	// DKDN with only half its fields.
	if err := c.HandlePacket(append([]byte("DKDN"), 0x00, 0x41)); err == nil {
		t.Fatal("truncated DKDN accepted")
	}
}

// Fragmented QINF reassembled by the framer produces the same DINF as a
// whole packet.
func TestFramerHandlerIntegration(t *testing.T) {
	c, out, _ := newTestConn()
	greet(t, c, out)

	f := NewFramer()
	part1 := []byte{0x00, 0x00, 0x00, 0x04, 'Q'}
	part2 := []byte{'I', 'N', 'F'}
	if err := f.Feed(part1, c.HandlePacket); err != nil {
		t.Fatalf("Feed part1: %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("response emitted before packet completed")
	}
	if err := f.Feed(part2, c.HandlePacket); err != nil {
		t.Fatalf("Feed part2: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x12,
		'D', 'I', 'N', 'F',
		0x00, 0x00, 0x00, 0x00,
		0x07, 0x80, 0x04, 0x38,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("DINF = %x, want %x", out.Bytes(), want)
	}
}
