package bridge

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hidbridge/synergy-bridge/pkg/config"
	"github.com/hidbridge/synergy-bridge/pkg/hidlink"
	"github.com/hidbridge/synergy-bridge/pkg/synergy"
)

const readBufSize = 2048

// Bridge ties the Synergy TCP connection to the serial HID link: packets
// from the server drive the protocol handler, a periodic timer drives the
// coalesced mouse flush.
type Bridge struct {
	conn   net.Conn
	link   *hidlink.Link
	proto  *synergy.Conn
	framer *synergy.Framer

	flushInterval time.Duration
}

// Dial connects to the Synergy server and prepares the protocol state.
func Dial(addr string, link *hidlink.Link, sink synergy.EventSink, verbose bool) (*Bridge, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to synergy server %s: %w", addr, err)
	}

	// Input events are tiny and latency-sensitive; don't let the kernel
	// batch them.
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			log.Printf("failed to disable Nagle: %v", err)
		}
	}

	return New(conn, link, sink, verbose), nil
}

// New wraps an established server connection. Split out from Dial so tests
// can drive the bridge over an in-memory pipe.
func New(conn net.Conn, link *hidlink.Link, sink synergy.EventSink, verbose bool) *Bridge {
	proto := synergy.NewConn(conn, link, sink)
	proto.SetVerbose(verbose)

	return &Bridge{
		conn:          conn,
		link:          link,
		proto:         proto,
		framer:        synergy.NewFramer(),
		flushInterval: config.SerialMouseIntervalMs * time.Millisecond,
	}
}

// Close closes the TCP connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// Run processes the connection until it breaks or stop is closed. A closed
// stop channel releases all held inputs and returns nil; any other return
// is a fatal connection or protocol error.
func (b *Bridge) Run(stop <-chan struct{}) error {
	readCh := make(chan []byte, 4)
	errCh := make(chan error, 1)
	go b.readLoop(readCh, errCh)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-readCh:
			if err := b.framer.Feed(data, b.proto.HandlePacket); err != nil {
				return err
			}

		case err := <-errCh:
			return err

		case <-ticker.C:
			if err := b.link.Flush(); err != nil {
				log.Printf("failed to flush mouse motion: %v", err)
			}
			// Throttle the flush cadence beyond the timer period; the
			// firmware's HID reports go out no faster than this anyway.
			time.Sleep(16 * time.Millisecond)

		case <-stop:
			log.Printf("shutting down, releasing held inputs")
			if err := b.link.ReleaseAll(); err != nil {
				log.Printf("failed to release inputs: %v", err)
			}
			return nil
		}
	}
}

// readLoop feeds TCP reads to the event loop. Each chunk gets its own
// buffer; earlier chunks may still be queued on readCh.
func (b *Bridge) readLoop(readCh chan<- []byte, errCh chan<- error) {
	for {
		buf := make([]byte, readBufSize)
		n, err := b.conn.Read(buf)
		if err != nil {
			errCh <- fmt.Errorf("recv failed: %w", err)
			return
		}
		readCh <- buf[:n]
	}
}
