package presence

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/model"
)

// validTransitions defines the allowed availability transitions. Every
// state can reach every other; the table exists so an unknown state can
// never be entered.
var validTransitions = map[model.PresenceStatus][]model.PresenceStatus{
	model.PresenceOnline:  {model.PresenceAway, model.PresenceOffline},
	model.PresenceAway:    {model.PresenceOnline, model.PresenceOffline},
	model.PresenceOffline: {model.PresenceOnline, model.PresenceAway},
}

// Machine tracks the local user's availability state.
type Machine struct {
	mu      sync.RWMutex
	current model.PresenceStatus
	bus     *bus.Bus
}

// NewMachine creates a machine starting offline.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: model.PresenceOffline, bus: b}
}

// Current returns the current availability.
func (m *Machine) Current() model.PresenceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// StatusChange is the payload for presence change events.
type StatusChange struct {
	From model.PresenceStatus
	To   model.PresenceStatus
}

// Transition moves to a new availability. Re-entering the current state
// is a no-op; an unknown target is an error.
func (m *Machine) Transition(to model.PresenceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid presence transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Now(bus.KindPresenceChanged, StatusChange{From: from, To: to}))
	}
	return nil
}
