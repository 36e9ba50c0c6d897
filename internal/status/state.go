package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parla/internal/bus"
)

// State is the connection state of a session's realtime transport.
type State string

const (
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Disconnected State = "disconnected"
)

// validTransitions defines allowed state transitions. Disconnected is both
// the idle state before the first connect and the terminal state after
// retries are exhausted; it is left again via Connecting (fresh open) or
// Reconnecting (network restored, explicit reconnect).
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Change is delivered to observers and published on the bus for every transition.
type Change struct {
	From State
	To   State
	At   time.Time
}

// Machine tracks and enforces connection state transitions. Observers are
// notified of every transition, in transition order, on a dedicated
// goroutine so that an observer may call back into the component driving
// the machine.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
	pending   []delivery
	draining  bool
}

// delivery is a change plus the observers registered when it happened.
type delivery struct {
	change Change
	ids    []int
}

// NewMachine creates a new state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:   Disconnected,
		bus:       b,
		observers: make(map[int]func(Change)),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to, At: time.Now()}
	m.current = to
	// Enqueue while holding mu so queue order matches transition order.
	m.enqueue(change)
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.ConnectionStatusChanged,
		Timestamp: change.At,
		Payload:   change,
	})
	return nil
}

// Observe registers fn to be called on every transition. The returned
// function removes the observer.
func (m *Machine) Observe(fn func(Change)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Machine) enqueue(c Change) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	m.pending = append(m.pending, delivery{change: c, ids: ids})
	if !m.draining {
		m.draining = true
		go m.drain()
	}
}

// drain delivers pending changes to the observers captured with each one.
// Observers removed in the meantime are skipped.
func (m *Machine) drain() {
	for {
		m.obsMu.Lock()
		if len(m.pending) == 0 {
			m.draining = false
			m.obsMu.Unlock()
			return
		}
		d := m.pending[0]
		m.pending = m.pending[1:]
		fns := make([]func(Change), 0, len(d.ids))
		for _, id := range d.ids {
			if fn, ok := m.observers[id]; ok {
				fns = append(fns, fn)
			}
		}
		m.obsMu.Unlock()

		for _, fn := range fns {
			fn(d.change)
		}
	}
}
