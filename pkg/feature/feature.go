package feature

import (
	"sync"
)

// Flag names known to the server.
const (
	Simulation = "simulation"
	Relay      = "relay"
)

// Manager is a concurrency-safe set of named on/off switches.
type Manager struct {
	flags map[string]bool
	mu    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{flags: make(map[string]bool)}
}

// Register adds name with a default value. Registering twice keeps the
// current value.
func (m *Manager) Register(name string, defaultValue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[name]; !ok {
		m.flags[name] = defaultValue
	}
}

// IsEnabled reports false for unknown flags.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[name]
}

func (m *Manager) Set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[name] = enabled
}

// Snapshot copies the current flag values.
func (m *Manager) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}
