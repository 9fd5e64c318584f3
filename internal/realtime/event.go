package realtime

import (
	"encoding/json"

	"github.com/noah-isme/ims-sync/internal/dto"
)

// EventKind is the wire name of a realtime event.
type EventKind string

const (
	EventConnect         EventKind = "connect"
	EventDisconnect      EventKind = "disconnect"
	EventNewMessage      EventKind = "newMessage"
	EventMessageRead     EventKind = "messageRead"
	EventLikeAdded       EventKind = "like:added"
	EventLikeRemoved     EventKind = "like:removed"
	EventNewNotification EventKind = "new_notification"
	EventUserOnline      EventKind = "userOnline"
	EventUserOffline     EventKind = "userOffline"
	EventOnlineUsers     EventKind = "getOnlineUsers"
	EventJoinRoom        EventKind = "joinRoom"
	EventLeaveRoom       EventKind = "leaveRoom"
)

// Envelope is the JSON frame exchanged with the realtime server.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of events handed to subscribers. Only the types in this file implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ConnectedEvent is raised locally each time a transport connection is established.
type ConnectedEvent struct {
	Attempt int

	socket *Socket
}

// DisconnectedEvent is raised locally when the current transport connection is lost or closed.
type DisconnectedEvent struct {
	Reason string
}

// NewMessageEvent carries a server-confirmed direct message.
type NewMessageEvent struct {
	Message dto.MessagePayload
}

// MessageReadEvent reports that ReaderID has read ConversationID.
type MessageReadEvent struct {
	ConversationID string
	ReaderID       string
}

// LikeEvent carries an authoritative like count for a post.
type LikeEvent struct {
	Added bool
	Like  dto.LikePayload
}

// NotificationEvent carries a freshly created notification for the current user.
type NotificationEvent struct {
	Notification dto.NotificationPayload
}

// PresenceEvent reports a single user going online or offline.
type PresenceEvent struct {
	Online bool
	UserID string
}

// OnlineUsersEvent is a full presence snapshot.
type OnlineUsersEvent struct {
	UserIDs []string
}

func (ConnectedEvent) Kind() EventKind    { return EventConnect }
func (DisconnectedEvent) Kind() EventKind { return EventDisconnect }
func (NewMessageEvent) Kind() EventKind   { return EventNewMessage }
func (MessageReadEvent) Kind() EventKind  { return EventMessageRead }
func (NotificationEvent) Kind() EventKind { return EventNewNotification }
func (OnlineUsersEvent) Kind() EventKind  { return EventOnlineUsers }

func (e LikeEvent) Kind() EventKind {
	if e.Added {
		return EventLikeAdded
	}
	return EventLikeRemoved
}

func (e PresenceEvent) Kind() EventKind {
	if e.Online {
		return EventUserOnline
	}
	return EventUserOffline
}

func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (NewMessageEvent) isEvent()   {}
func (MessageReadEvent) isEvent()  {}
func (LikeEvent) isEvent()         {}
func (NotificationEvent) isEvent() {}
func (PresenceEvent) isEvent()     {}
func (OnlineUsersEvent) isEvent()  {}
