package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/meshlink/internal/bus"
)

// State is the connection state surfaced to the rest of the application.
type State string

const (
	// Disconnected means there is no usable session.
	Disconnected State = "disconnected"
	// Connecting means a transport handshake (or retry loop) is in progress.
	Connecting State = "connecting"
	// Connected means the transport is open and the session handshake is running.
	Connected State = "connected"
	// Ready means the session is established and at least one sync cycle was attempted.
	Ready State = "ready"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Ready, Connecting, Disconnected},
	Ready:        {Connecting, Disconnected},
}

// IsLinked reports whether a session exists in this state.
func (s State) IsLinked() bool {
	return s == Connected || s == Ready
}

// Machine tracks and enforces connection state transitions. Any goroutine may
// read it; only the connection manager's worker transitions it.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Moving to the current state is a
// no-op. Returns error if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.KindStateChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
