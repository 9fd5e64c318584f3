package dto

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/ims-sync/internal/models"
)

// UserPayload is the user reference the backend embeds into messages.
type UserPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MessagePayload is a message as returned by the REST API and pushed through newMessage events.
type MessagePayload struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	Sender         UserPayload `json:"sender"`
	Text           string      `json:"text"`
	SeenBy         []string    `json:"seenBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// NewMessageModel converts a confirmed server message into the store model.
func NewMessageModel(payload MessagePayload) models.Message {
	clientID := payload.ClientID
	if clientID == "" {
		clientID = payload.ID
	}

	seen := make([]string, 0, len(payload.SeenBy))
	seen = append(seen, payload.SeenBy...)

	return models.Message{
		ClientID:       clientID,
		ID:             payload.ID,
		ConversationID: payload.ConversationID,
		SenderID:       payload.Sender.ID,
		SenderName:     payload.Sender.Name,
		SenderAvatar:   payload.Sender.Avatar,
		Text:           payload.Text,
		SeenBy:         datatypes.JSONSlice[string](seen),
		State:          models.MessageStateConfirmed,
		CreatedAt:      payload.CreatedAt,
	}
}

// ConversationPayload is a conversation as listed by the REST API.
type ConversationPayload struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	LastMessage  *MessagePayload `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewConversationModel converts a conversation payload into the store model.
func NewConversationModel(payload ConversationPayload) models.Conversation {
	conversation := models.Conversation{
		ID:           payload.ID,
		Participants: datatypes.JSONSlice[string](append([]string(nil), payload.Participants...)),
		UpdatedAt:    payload.UpdatedAt,
	}
	if payload.LastMessage != nil {
		last := NewMessageModel(*payload.LastMessage)
		conversation.LastMessage = &last
		conversation.LastMessageID = last.ID
	}
	return conversation
}

// SendMessageRequest is the REST body used to post a direct message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	ReceiverID     string `json:"receiverId,omitempty" validate:"omitempty,max=64"`
	ClientID       string `json:"clientId,omitempty" validate:"omitempty,uuid"`
	Text           string `json:"text" validate:"required,min=1,max=4000"`
}

// MessageReadPayload is exchanged in both directions on the messageRead event.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	ReaderID       string `json:"readerId" validate:"required"`
}

// NotificationPayload is a notification as returned by REST and pushed through new_notification.
type NotificationPayload struct {
	ID        string      `json:"id"`
	Recipient string      `json:"recipient"`
	Sender    UserPayload `json:"sender"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Read      bool        `json:"read"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewNotificationModel converts a payload into the store model.
func NewNotificationModel(payload NotificationPayload) models.Notification {
	kind := models.NotificationType(payload.Type)
	if !kind.Valid() {
		kind = models.NotificationTypeSystem
	}
	return models.Notification{
		ID:          payload.ID,
		RecipientID: payload.Recipient,
		SenderID:    payload.Sender.ID,
		Type:        kind,
		Message:     payload.Message,
		Read:        payload.Read,
		CreatedAt:   payload.CreatedAt,
	}
}

// NewNotificationModelSlice converts a page of payloads into store models.
func NewNotificationModelSlice(items []NotificationPayload) []models.Notification {
	out := make([]models.Notification, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationModel(item))
	}
	return out
}

// LikePayload is pushed through like:added and like:removed in a post room.
type LikePayload struct {
	PostID     string `json:"postId"`
	UserID     string `json:"userId"`
	LikesCount int    `json:"likesCount"`
}

// LikeResponse is returned by the like/unlike endpoints.
type LikeResponse struct {
	PostID     string `json:"postId"`
	Liked      bool   `json:"liked"`
	LikesCount int    `json:"likesCount"`
}

// PresencePayload names a single user on userOnline/userOffline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// RoomPayload is emitted on joinRoom/leaveRoom.
type RoomPayload struct {
	Room string `json:"room"`
}
