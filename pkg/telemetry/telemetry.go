package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Redis keys used by the bridge.
const (
	KeyStatus    = "synergy-bridge"
	KeyEventList = "synergy-bridge:events"
)

// Event is one lifecycle record pushed to the event list, CBOR-encoded.
type Event struct {
	Kind string `cbor:"kind"`
	X    uint16 `cbor:"x,omitempty"`
	Y    uint16 `cbor:"y,omitempty"`
	Time int64  `cbor:"time"`
}

// Client publishes bridge status to Redis. All methods are safe on a nil
// receiver, so callers can wire it unconditionally and leave telemetry
// disabled by just not creating one.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to Redis and verifies the connection.
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// writeString updates a status field. Telemetry failures are logged and
// swallowed; the input path never depends on Redis being up.
func (c *Client) writeString(field, value string) {
	if c == nil {
		return
	}
	if err := c.client.HSet(c.ctx, KeyStatus, field, value).Err(); err != nil {
		log.Printf("failed to write %s/%s to Redis: %v", KeyStatus, field, err)
	}
}

func (c *Client) writeInt(field string, value int) {
	if c == nil {
		return
	}
	if err := c.client.HSet(c.ctx, KeyStatus, field, value).Err(); err != nil {
		log.Printf("failed to write %s/%s to Redis: %v", KeyStatus, field, err)
	}
}

// pushEvent encodes an event record and pushes it onto the event list,
// publishing the kind on the status channel for live listeners.
func (c *Client) pushEvent(ev Event) {
	if c == nil {
		return
	}

	ev.Time = time.Now().Unix()
	data, err := cbor.Marshal(ev)
	if err != nil {
		log.Printf("failed to marshal telemetry event: %v", err)
		return
	}

	pipe := c.client.Pipeline()
	pipe.LPush(c.ctx, KeyEventList, data)
	pipe.Publish(c.ctx, KeyStatus, ev.Kind)
	if _, err := pipe.Exec(c.ctx); err != nil {
		log.Printf("failed to push telemetry event: %v", err)
	}
}

// Connected records the server handshake.
func (c *Client) Connected(major, minor uint16) {
	c.writeString("state", "connected")
	c.writeString("server-version", fmt.Sprintf("%d.%d", major, minor))
	c.pushEvent(Event{Kind: "connected"})
}

// ScreenEnter records the cursor arriving on this screen.
func (c *Client) ScreenEnter(x, y uint16) {
	c.writeString("screen", "active")
	c.pushEvent(Event{Kind: "screen-enter", X: x, Y: y})
}

// ScreenLeave records the cursor leaving this screen.
func (c *Client) ScreenLeave() {
	c.writeString("screen", "inactive")
	c.pushEvent(Event{Kind: "screen-leave"})
}

// Disconnected records the bridge going away along with its exit cause.
func (c *Client) Disconnected(reason string) {
	c.writeString("state", "disconnected")
	c.writeString("last-error", reason)
	c.pushEvent(Event{Kind: "disconnected"})
}
