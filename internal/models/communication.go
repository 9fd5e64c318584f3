package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageState tracks where an optimistic message is in its reconciliation lifecycle.
type MessageState string

const (
	MessageStatePending   MessageState = "pending"
	MessageStateConfirmed MessageState = "confirmed"
	MessageStateFailed    MessageState = "failed"

	// MessageStateSeen is derived, never stored: a confirmed message somebody other than the sender has read.
	MessageStateSeen MessageState = "seen"
)

// UserRef is the minimal user projection embedded into messages.
type UserRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is a single direct message as held by the chat store and the snapshot cache.
type Message struct {
	ClientID       string                      `gorm:"primaryKey;size:64" json:"client_id"`
	ID             string                      `gorm:"size:64;index" json:"id,omitempty"`
	ConversationID string                      `gorm:"size:64;index" json:"conversation_id"`
	SenderID       string                      `gorm:"size:64;index" json:"sender_id"`
	SenderName     string                      `gorm:"size:255" json:"sender_name,omitempty"`
	SenderAvatar   string                      `gorm:"size:512" json:"sender_avatar,omitempty"`
	Text           string                      `gorm:"type:text" json:"text"`
	SeenBy         datatypes.JSONSlice[string] `json:"seen_by"`
	State          MessageState                `gorm:"size:16" json:"state"`
	Position       int                         `gorm:"index" json:"-"`
	CreatedAt      time.Time                   `json:"created_at"`
}

// Sender returns the embedded user reference of the message author.
func (m Message) Sender() UserRef {
	return UserRef{ID: m.SenderID, Name: m.SenderName, Avatar: m.SenderAvatar}
}

// SeenByUser reports whether userID appears in the seen-by set.
func (m Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Status folds the stored state and the seen-by set into the externally visible lifecycle state.
func (m Message) Status() MessageState {
	if m.State != MessageStateConfirmed {
		return m.State
	}
	for _, id := range m.SeenBy {
		if id != m.SenderID {
			return MessageStateSeen
		}
	}
	return MessageStateConfirmed
}

// Conversation groups the participants of a direct-message thread.
type Conversation struct {
	ID            string                      `gorm:"primaryKey;size:64" json:"id"`
	Participants  datatypes.JSONSlice[string] `json:"participants"`
	LastMessageID string                      `gorm:"size:64" json:"last_message_id,omitempty"`
	LastMessage   *Message                    `gorm:"-" json:"last_message,omitempty"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// NotificationType enumerates the notification categories pushed by the backend.
type NotificationType string

const (
	NotificationTypeLike       NotificationType = "like"
	NotificationTypeComment    NotificationType = "comment"
	NotificationTypePostUpload NotificationType = "post_upload"
	NotificationTypeMessage    NotificationType = "message"
	NotificationTypeSystem     NotificationType = "system"
)

// Valid reports whether the type is one of the known categories.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeLike, NotificationTypeComment, NotificationTypePostUpload, NotificationTypeMessage, NotificationTypeSystem:
		return true
	default:
		return false
	}
}

// Notification represents an item of the user's notification feed.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Key implements the paginated list identity contract.
func (n Notification) Key() string {
	return n.ID
}

// PostLikes is the like counter and the viewer's own like flag for a post.
type PostLikes struct {
	PostID string `json:"post_id"`
	Liked  bool   `json:"liked"`
	Count  int    `json:"count"`
}
