package realtime

import (
	"context"
	"sync"
)

// Subscription is the per-feature view of the shared connection: handlers registered through it and
// the room it is tied to live exactly as long as it is mounted.
type Subscription struct {
	manager *Manager
	room    string

	mu      sync.Mutex
	mounted bool
	joined  bool
	unsubs  []func()
}

// Room returns the room the subscription joins on mount, or "" when it has none.
func (s *Subscription) Room() string {
	return s.room
}

// Mount initializes the shared connection and joins the room once for this mount.
func (s *Subscription) Mount(ctx context.Context) {
	s.manager.Initialize(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mounted = true
	if s.room != "" && !s.joined {
		s.manager.JoinRoom(s.room)
		s.joined = true
	}
}

// Unmount removes every handler registered through the subscription and leaves the room if
// this mount joined it. Calling it twice is a no-op.
func (s *Subscription) Unmount() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	joined := s.joined
	s.joined = false
	s.mounted = false
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if joined {
		s.manager.LeaveRoom(s.room)
	}
}

// Mounted reports whether the subscription is currently mounted.
func (s *Subscription) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// On registers handler for kind and returns an unsubscribe for this registration alone.
func (s *Subscription) On(kind EventKind, handler Handler) func() {
	unsubscribe := s.manager.On(kind, handler)

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubscribe)
	s.mu.Unlock()

	return unsubscribe
}

// Emit forwards to the shared connection; see Manager.Emit.
func (s *Subscription) Emit(kind EventKind, payload interface{}) bool {
	return s.manager.Emit(kind, payload)
}

// Connected reports the shared connection status.
func (s *Subscription) Connected() bool {
	return s.manager.Connected()
}
