// Package connectivity reports whether the remote backend is reachable.
//
// Signals are best-effort. A false "online" is tolerated because failed
// calls during a drain go through the ordinary retry path.
package connectivity

import "sync"

// Monitor exposes the current connectivity state and its transitions.
type Monitor interface {
	IsOnline() bool

	// OnChange registers a handler called with the new state on every
	// online/offline transition. Returns a function that unregisters it.
	OnChange(handler func(online bool)) (unsubscribe func())
}

// state holds the online flag and handlers shared by Manual and Prober.
type state struct {
	mu       sync.Mutex
	online   bool
	handlers map[int]func(bool)
	next     int
}

func (s *state) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *state) OnChange(handler func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// set updates the flag and reports whether it changed. Handlers run
// outside the lock, only on a change.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	handlers := make([]func(bool), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
	return true
}

// Manual is a Monitor driven by explicit SetOnline calls.
type Manual struct {
	state
}

// NewManual returns a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// SetOnline sets the state, notifying handlers on a transition.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

var (
	_ Monitor = (*Manual)(nil)
	_ Monitor = (*Prober)(nil)
)
