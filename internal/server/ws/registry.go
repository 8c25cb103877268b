package ws

import (
	"errors"
	"sort"
	"sync"

	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrInvalidRoom         = errors.New("invalid room")
	ErrRoomForbidden       = errors.New("room not permitted for this identity")
	ErrSendBufferFull      = errors.New("send buffer full")
	ErrConnectionClosed    = errors.New("connection closed")
)

// Conn is a registered endpoint. Enqueue must not block.
type Conn interface {
	ID() string
	Identity() auth.Identity
	Enqueue(frame []byte) error
	Close()
}

type member struct {
	conn  Conn
	rooms map[string]struct{}
}

// Registry tracks connections and their room memberships. A single RWMutex
// guards both indexes so a membership change is visible to the next
// MembersOf call.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Conn
	log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*member),
		rooms: make(map[string]map[string]Conn),
		log:   log.With(zap.String("module", "registry")),
	}
}

// Register adds c and joins its default rooms: all, user:<id> for
// authenticated identities and admin for admins.
func (r *Registry) Register(c Conn) error {
	id := c.Identity()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return ErrDuplicateConnection
	}
	m := &member{conn: c, rooms: make(map[string]struct{})}
	r.conns[c.ID()] = m
	for _, room := range events.DefaultRooms(id) {
		r.joinLocked(m, room)
	}
	metrics.ActiveConnections.WithLabelValues(string(id.Kind)).Inc()
	r.log.Debug("connection registered", zap.String("conn_id", c.ID()), zap.String("kind", string(id.Kind)))
	return nil
}

// Join adds the connection to room. Joining a room twice is a no-op.
func (r *Registry) Join(connID, room string) error {
	if !events.ValidRoom(room) {
		return ErrInvalidRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if !events.CanJoin(m.conn.Identity(), room) {
		return ErrRoomForbidden
	}
	r.joinLocked(m, room)
	return nil
}

func (r *Registry) joinLocked(m *member, room string) {
	if _, ok := m.rooms[room]; ok {
		return
	}
	m.rooms[room] = struct{}{}
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]Conn)
		r.rooms[room] = set
	}
	set[m.conn.ID()] = m.conn
	metrics.RoomJoins.WithLabelValues(events.RoomKind(room)).Inc()
}

// Leave removes the connection from room. Leaving a room the connection is
// not in is a no-op.
func (r *Registry) Leave(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	r.leaveLocked(m, room)
	return nil
}

func (r *Registry) leaveLocked(m *member, room string) {
	if _, ok := m.rooms[room]; !ok {
		return
	}
	delete(m.rooms, room)
	if set, ok := r.rooms[room]; ok {
		delete(set, m.conn.ID())
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Unregister drops the connection from every room in one critical section.
// It reports whether the connection was registered.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	for room := range m.rooms {
		r.leaveLocked(m, room)
	}
	delete(r.conns, connID)
	metrics.ActiveConnections.WithLabelValues(string(m.conn.Identity().Kind)).Dec()
	r.log.Debug("connection unregistered", zap.String("conn_id", connID))
	return true
}

// RoomsOf returns the sorted rooms of a connection, nil if unknown.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// MembersOf returns a snapshot of the room's members.
func (r *Registry) MembersOf(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[room]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// membersOfAny is the union of several rooms, each connection once.
func (r *Registry) membersOfAny(rooms []string) []Conn {
	if len(rooms) == 1 {
		return r.MembersOf(rooms[0])
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []Conn
	for _, room := range rooms {
		for id, c := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return m.conn, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection. Their pumps unregister them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, m := range r.conns {
		conns = append(conns, m.conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
