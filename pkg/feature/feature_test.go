package feature

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager(t *testing.T) {
	m := NewManager()
	assert.False(t, m.IsEnabled(Simulation))

	m.Register(Simulation, true)
	assert.True(t, m.IsEnabled(Simulation))

	m.Register(Simulation, false)
	assert.True(t, m.IsEnabled(Simulation), "re-register keeps value")

	m.Set(Simulation, false)
	assert.False(t, m.IsEnabled(Simulation))
	assert.Equal(t, map[string]bool{Simulation: false}, m.Snapshot())
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := NewManager()
	m.Register(Relay, true)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Set(Relay, i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			_ = m.IsEnabled(Relay)
		}()
	}
	wg.Wait()
}
