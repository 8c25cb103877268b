package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/feature"
	"github.com/nmxmxh/fundpulse/pkg/json"
	"github.com/nmxmxh/fundpulse/pkg/redis"
	"github.com/nmxmxh/fundpulse/pkg/tester"
)

type deliveryLog struct {
	mu     sync.Mutex
	rooms  [][]string
	events []string
}

func (d *deliveryLog) Deliver(rooms []string, eventType string, _ []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = append(d.rooms, rooms)
	d.events = append(d.events, eventType)
	return 1
}

func (d *deliveryLog) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func relayPayload(t *testing.T, origin string) string {
	t.Helper()
	frame, err := events.Encode(events.NewDonation, map[string]float64{"amount": 5})
	require.NoError(t, err)
	msg, err := json.Marshal(relayMessage{Origin: origin, Rooms: []string{events.RoomAll}, Event: events.NewDonation, Frame: frame})
	require.NoError(t, err)
	return string(msg)
}

func TestRelayHandle(t *testing.T) {
	local := &deliveryLog{}
	flags := feature.NewManager()
	flags.Register(feature.Relay, true)
	r := NewRelay(nil, "node-a", local, flags, zap.NewNop())

	r.handle(&goredis.Message{Channel: r.Channel(events.RoomAll), Payload: relayPayload(t, "node-a")})
	assert.Zero(t, local.count(), "own frames are not delivered twice")

	r.handle(&goredis.Message{Channel: r.Channel(events.RoomAll), Payload: "{"})
	assert.Zero(t, local.count())

	r.handle(&goredis.Message{Channel: r.Channel(events.RoomAll), Payload: relayPayload(t, "node-b")})
	require.Equal(t, 1, local.count())
	assert.Equal(t, []string{events.RoomAll}, local.rooms[0])

	flags.Set(feature.Relay, false)
	r.handle(&goredis.Message{Channel: r.Channel(events.RoomAll), Payload: relayPayload(t, "node-b")})
	assert.Equal(t, 1, local.count())
}

func TestRelayAcrossInstances(t *testing.T) {
	c := tester.Redis(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: c.Addr()}), zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Instance B has a real registry with one viewer.
	viewer := newFakeConn("viewer", anonIdentity)
	regB, bcB := newTestBroadcaster(t, viewer)
	relayB := NewRelay(client, "node-b", bcB, nil, zap.NewNop())
	bcB.UseRelay(relayB)
	go func() { _ = relayB.Run(ctx) }()

	_, bcA := newTestBroadcaster(t)
	relayA := NewRelay(client, "node-a", bcA, nil, zap.NewNop())
	bcA.UseRelay(relayA)
	go func() { _ = relayA.Run(ctx) }()

	// Publish until both subscriptions are live.
	require.Eventually(t, func() bool {
		if _, err := bcA.Publish(ctx, events.RoomAll, events.NewDonation, map[string]float64{"amount": 5}); err != nil {
			return false
		}
		return len(viewer.types(t)) > 0
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, events.NewDonation, viewer.received(t)[0].Type)
	assert.Equal(t, 1, regB.Count())
}
