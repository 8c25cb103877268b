// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/nmxmxh/fundpulse/pkg/events"
)

// Published is one recorded publish call.
type Published struct {
	Rooms   []string
	Type    string
	Payload interface{}
}

// Recorder records every publish and reports each as delivered once.
type Recorder struct {
	mu   sync.Mutex
	sent []Published
}

var _ events.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(ctx context.Context, room, eventType string, payload interface{}) (int, error) {
	return r.PublishRooms(ctx, []string{room}, eventType, payload)
}

func (r *Recorder) PublishRooms(_ context.Context, rooms []string, eventType string, payload interface{}) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Published{Rooms: append([]string(nil), rooms...), Type: eventType, Payload: payload})
	return 1, nil
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.sent...)
}

// OfType returns the recorded publishes of eventType.
func (r *Recorder) OfType(eventType string) []Published {
	var out []Published
	for _, p := range r.All() {
		if p.Type == eventType {
			out = append(out, p)
		}
	}
	return out
}

// Count is len(OfType(eventType)).
func (r *Recorder) Count(eventType string) int {
	return len(r.OfType(eventType))
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
