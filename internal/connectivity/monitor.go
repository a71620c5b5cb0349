// Package connectivity tracks whether the remote store is reachable.
//
// A Monitor holds explicit state and is injected wherever connectivity
// matters, so tests drive transitions directly with SetOnline. Platform
// signals feed a Monitor through a FileWatcher or the static modes below.
package connectivity

import (
	"log/slog"
	"sync"
)

// Mode selects where a monitor's state comes from.
type Mode string

const (
	// ModeFile follows a status file written by a platform hook.
	ModeFile Mode = "file"
	// ModeOnline is permanently online.
	ModeOnline Mode = "online"
	// ModeOffline is permanently offline.
	ModeOffline Mode = "offline"
)

// Monitor is the current connectivity state plus reconnect listeners.
// The zero value is not usable; call NewMonitor.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func()
	nextID    int
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]func()),
	}
}

// IsOnline reports the last known state. It never contacts the network itself.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a platform signal. Reconnect listeners run once per
// offline to online transition; repeated signals of the same state are
// ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var fire []func()
	if online {
		fire = make([]func(), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fire = append(fire, fn)
		}
	}
	m.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "connectivity",
		"online", online,
	)
	for _, fn := range fire {
		fn()
	}
}

// OnReconnect registers fn to run on every offline to online transition.
// The returned function removes it.
func (m *Monitor) OnReconnect(fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
