package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
	"go.uber.org/zap"
)

// Forwarder carries locally published frames to other server instances.
type Forwarder interface {
	Forward(ctx context.Context, rooms []string, eventType string, frame []byte)
}

// Broadcaster fans events out to the current members of rooms. Each frame is
// encoded once; delivery never blocks on a slow connection.
type Broadcaster struct {
	registry *Registry
	relay    Forwarder
	log      *zap.Logger
}

var _ events.Publisher = (*Broadcaster)(nil)

func NewBroadcaster(registry *Registry, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log.With(zap.String("module", "broadcaster")),
	}
}

// UseRelay attaches a cross-instance forwarder. Call before serving traffic.
func (b *Broadcaster) UseRelay(f Forwarder) {
	b.relay = f
}

// Publish delivers eventType to every connection in room at the instant of
// the call and returns the number of connections that accepted the frame.
func (b *Broadcaster) Publish(ctx context.Context, room, eventType string, payload interface{}) (int, error) {
	return b.PublishRooms(ctx, []string{room}, eventType, payload)
}

// PublishRooms delivers one frame to the union of rooms. A connection that is
// a member of several of them receives the frame once.
func (b *Broadcaster) PublishRooms(ctx context.Context, rooms []string, eventType string, payload interface{}) (int, error) {
	if len(rooms) == 0 {
		return 0, fmt.Errorf("%w: no rooms", ErrInvalidRoom)
	}
	for _, room := range rooms {
		if !events.ValidRoom(room) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
		}
	}
	frame, err := events.Encode(eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", eventType, err)
	}
	n := b.deliver(b.registry.membersOfAny(rooms), eventType, frame)
	if b.relay != nil {
		b.relay.Forward(ctx, rooms, eventType, frame)
	}
	return n, nil
}

// Deliver hands an already encoded frame to local members only. The relay
// uses it for frames published on other instances.
func (b *Broadcaster) Deliver(rooms []string, eventType string, frame []byte) int {
	return b.deliver(b.registry.membersOfAny(rooms), eventType, frame)
}

// SendTo delivers an event to a single connection, bypassing rooms. Control
// replies and errors travel this way so they reach the sender only.
func (b *Broadcaster) SendTo(connID, eventType string, payload interface{}) error {
	c, ok := b.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	frame, err := events.Encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if b.deliver([]Conn{c}, eventType, frame) == 0 {
		return ErrSendBufferFull
	}
	return nil
}

func (b *Broadcaster) deliver(members []Conn, eventType string, frame []byte) int {
	delivered := 0
	for _, c := range members {
		err := c.Enqueue(frame)
		if err == nil {
			delivered++
			continue
		}
		reason := "closed"
		if errors.Is(err, ErrSendBufferFull) {
			reason = "saturated"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		b.log.Debug("frame dropped",
			zap.String("conn_id", c.ID()),
			zap.String("event", eventType),
			zap.String("reason", reason))
	}
	if delivered > 0 {
		metrics.FramesPublished.WithLabelValues(eventType).Add(float64(delivered))
	}
	return delivered
}
