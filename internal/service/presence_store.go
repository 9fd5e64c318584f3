package service

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/realtime"
)

// PresenceStore tracks which users are online. Snapshots replace the set; single online and
// offline events are applied idempotently.
type PresenceStore struct {
	updates UpdatePublisher
	logger  zerolog.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceStore constructs an empty presence store.
func NewPresenceStore(updates UpdatePublisher, logger zerolog.Logger) *PresenceStore {
	return &PresenceStore{
		updates: updates,
		logger:  logger.With().Str("component", "presence_store").Logger(),
		online:  make(map[string]struct{}),
	}
}

// Attach registers the presence handlers and requests a snapshot now and after every reconnect.
func (s *PresenceStore) Attach(source EventSource) {
	source.On(realtime.EventOnlineUsers, func(event realtime.Event) {
		if snapshot, ok := event.(realtime.OnlineUsersEvent); ok {
			s.Replace(snapshot.UserIDs)
		}
	})
	source.On(realtime.EventUserOnline, func(event realtime.Event) {
		if presence, ok := event.(realtime.PresenceEvent); ok {
			s.SetOnline(presence.UserID)
		}
	})
	source.On(realtime.EventUserOffline, func(event realtime.Event) {
		if presence, ok := event.(realtime.PresenceEvent); ok {
			s.SetOffline(presence.UserID)
		}
	})
	source.On(realtime.EventConnect, func(realtime.Event) {
		source.Emit(realtime.EventOnlineUsers, nil)
	})

	source.Emit(realtime.EventOnlineUsers, nil)
}

// Replace swaps the whole set for a snapshot.
func (s *PresenceStore) Replace(userIDs []string) {
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			online[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.online = online
	s.mu.Unlock()

	s.publish()
}

// SetOnline adds userID; duplicates are no-ops.
func (s *PresenceStore) SetOnline(userID string) {
	if userID == "" {
		return
	}

	s.mu.Lock()
	_, exists := s.online[userID]
	s.online[userID] = struct{}{}
	s.mu.Unlock()

	if !exists {
		s.publish()
	}
}

// SetOffline removes userID; unknown ids are no-ops.
func (s *PresenceStore) SetOffline(userID string) {
	s.mu.Lock()
	_, exists := s.online[userID]
	delete(s.online, userID)
	s.mu.Unlock()

	if exists {
		s.publish()
	}
}

// IsOnline reports whether userID is online.
func (s *PresenceStore) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// Online returns the online user ids in sorted order.
func (s *PresenceStore) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset empties the set.
func (s *PresenceStore) Reset() {
	s.mu.Lock()
	s.online = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *PresenceStore) publish() {
	if s.updates == nil {
		return
	}
	s.updates.Publish(Update{Kind: UpdatePresence, Payload: PresenceUpdate{Online: s.Online()}})
}

// PresenceUpdate is the payload of presence updates.
type PresenceUpdate struct {
	Online []string `json:"online"`
}
