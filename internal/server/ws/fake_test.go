package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/json"
)

type fakeConn struct {
	id       string
	identity auth.Identity

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newFakeConn(id string, identity auth.Identity) *fakeConn {
	return &fakeConn{id: id, identity: identity}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Identity() auth.Identity { return c.identity }

func (c *fakeConn) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrConnectionClosed
	case c.full:
		return ErrSendBufferFull
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type received struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// received decodes every frame queued so far.
func (c *fakeConn) received(t *testing.T) []received {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]received, 0, len(c.frames))
	for _, f := range c.frames {
		var r received
		require.NoError(t, json.Unmarshal(f, &r))
		out = append(out, r)
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, r := range c.received(t) {
		out = append(out, r.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) received {
	t.Helper()
	all := c.received(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

var (
	anonIdentity  = auth.Anonymous()
	userIdentity  = auth.Identity{Kind: auth.KindUser, UserID: "u1"}
	adminIdentity = auth.Identity{Kind: auth.KindAdmin, UserID: "a1"}
)
