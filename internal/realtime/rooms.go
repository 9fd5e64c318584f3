package realtime

import (
	"sort"
	"strings"
	"sync"
)

// roomRegistry reference-counts interest in rooms across every subscriber of the connection.
type roomRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{counts: make(map[string]int)}
}

// acquire records interest and reports whether this was the first interested subscriber.
func (r *roomRegistry) acquire(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[room]++
	return r.counts[room] == 1
}

// release drops interest and reports whether the last interested subscriber is gone.
// Releasing a room nobody holds is a no-op.
func (r *roomRegistry) release(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.counts[room]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(r.counts, room)
		return true
	}
	r.counts[room] = count - 1
	return false
}

func (r *roomRegistry) refs(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[room]
}

// active lists rooms with at least one interested subscriber, sorted for deterministic re-joins.
func (r *roomRegistry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.counts))
	for room := range r.counts {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *roomRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]int)
}

// NormalizeRoom trims a room identifier and collapses duplicate separators.
func NormalizeRoom(room string) string {
	room = strings.TrimSpace(room)
	for strings.Contains(room, "::") {
		room = strings.ReplaceAll(room, "::", ":")
	}
	return strings.Trim(room, ":")
}

// PostRoom is the room carrying like and comment events for a post.
func PostRoom(postID string) string {
	return NormalizeRoom("post:" + postID)
}

// ConversationRoom is the room carrying message events for a conversation.
func ConversationRoom(conversationID string) string {
	return NormalizeRoom("conversation:" + conversationID)
}
