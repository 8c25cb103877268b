package ws

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/pkg/feature"
	"github.com/nmxmxh/fundpulse/pkg/json"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
	"github.com/nmxmxh/fundpulse/pkg/redis"
)

// Deliverer hands frames to local connections.
type Deliverer interface {
	Deliver(rooms []string, eventType string, frame []byte) int
}

// relayMessage is what travels over Redis pub/sub between instances.
type relayMessage struct {
	Origin string          `json:"origin"`
	Rooms  []string        `json:"rooms"`
	Event  string          `json:"event"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay mirrors publishes across server instances through Redis. Every local
// publish goes out on fundpulse:events:<room>; frames arriving from other
// origins are delivered to local members.
type Relay struct {
	client *redis.Client
	keys   *redis.KeyBuilder
	origin string
	local  Deliverer
	flags  *feature.Manager
	log    *zap.Logger
}

var _ Forwarder = (*Relay)(nil)

func NewRelay(client *redis.Client, origin string, local Deliverer, flags *feature.Manager, log *zap.Logger) *Relay {
	return &Relay{
		client: client,
		keys:   redis.NewKeyBuilder(redis.NamespaceEvents, redis.ContextEvents),
		origin: origin,
		local:  local,
		flags:  flags,
		log:    log.With(zap.String("module", "relay"), zap.String("origin", origin)),
	}
}

// Channel is the pub/sub channel for room.
func (r *Relay) Channel(room string) string {
	return r.keys.Build(room, "")
}

func (r *Relay) enabled() bool {
	return r.flags == nil || r.flags.IsEnabled(feature.Relay)
}

// Forward publishes a locally delivered frame for other instances. Failures
// go to the dead-letter stream; they never fail the local publish.
func (r *Relay) Forward(ctx context.Context, rooms []string, eventType string, frame []byte) {
	if !r.enabled() || len(rooms) == 0 {
		return
	}
	msg, err := json.Marshal(relayMessage{Origin: r.origin, Rooms: rooms, Event: eventType, Frame: frame})
	if err != nil {
		metrics.RelayMessages.WithLabelValues("out", metrics.OutcomeError).Inc()
		r.log.Error("encode relay message", zap.Error(err), zap.String("event", eventType))
		return
	}
	if err := r.client.Publish(ctx, r.Channel(rooms[0]), msg).Err(); err != nil {
		metrics.RelayMessages.WithLabelValues("out", metrics.OutcomeError).Inc()
		r.log.Warn("relay publish failed", zap.Error(err), zap.Strings("rooms", rooms))
		_ = redis.EmitToDLQ(context.WithoutCancel(ctx), r.client, r.log, rooms[0], msg, err)
		return
	}
	metrics.RelayMessages.WithLabelValues("out", metrics.OutcomeOK).Inc()
}

// Run subscribes to every room channel until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	pattern := r.keys.Prefix() + "*"
	sub := r.client.PSubscribe(ctx, pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", pattern, err)
	}
	r.log.Info("relay subscribed", zap.String("pattern", pattern))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(m)
		}
	}
}

func (r *Relay) handle(m *goredis.Message) {
	if !r.enabled() {
		metrics.RelayMessages.WithLabelValues("in", metrics.OutcomeSkipped).Inc()
		return
	}
	var msg relayMessage
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		metrics.RelayMessages.WithLabelValues("in", metrics.OutcomeError).Inc()
		r.log.Warn("malformed relay message", zap.Error(err), zap.String("channel", m.Channel))
		return
	}
	if msg.Origin == r.origin {
		metrics.RelayMessages.WithLabelValues("in", metrics.OutcomeSkipped).Inc()
		return
	}
	n := r.local.Deliver(msg.Rooms, msg.Event, msg.Frame)
	metrics.RelayMessages.WithLabelValues("in", metrics.OutcomeOK).Inc()
	r.log.Debug("relayed frame delivered", zap.String("event", msg.Event), zap.Int("delivered", n))
}
