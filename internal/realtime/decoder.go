package realtime

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/ims-sync/internal/dto"
)

var (
	// ErrUnknownEvent is returned for frames whose event name is not part of the protocol.
	ErrUnknownEvent = errors.New("unknown realtime event")
	// ErrInvalidPayload is returned when a frame's data does not match the event's schema.
	ErrInvalidPayload = errors.New("invalid realtime payload")
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[EventKind]string{
	EventNewMessage:      "schemas/new_message.json",
	EventMessageRead:     "schemas/message_read.json",
	EventLikeAdded:       "schemas/like.json",
	EventLikeRemoved:     "schemas/like.json",
	EventNewNotification: "schemas/notification.json",
	EventUserOnline:      "schemas/presence.json",
	EventUserOffline:     "schemas/presence.json",
	EventOnlineUsers:     "schemas/online_users.json",
}

// Decoder validates inbound frames against the embedded event schemas and turns them into typed events.
type Decoder struct {
	schemas map[EventKind]*jsonschema.Schema
}

// NewDecoder compiles the event schemas.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	schemas := make(map[EventKind]*jsonschema.Schema, len(schemaFiles))

	for kind, file := range schemaFiles {
		if schema, ok := compiled[file]; ok {
			schemas[kind] = schema
			continue
		}

		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}

		url := "mem://realtime/" + file
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}

		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}

		compiled[file] = schema
		schemas[kind] = schema
	}

	return &Decoder{schemas: schemas}, nil
}

// Decode parses a raw frame. Frames are rejected before reaching subscribers when the
// event is unknown or the payload does not validate.
func (d *Decoder) Decode(frame []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	schema, ok := d.schemas[envelope.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}

	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("%w: %s carries no data", ErrInvalidPayload, envelope.Event)
	}

	decoder := json.NewDecoder(bytes.NewReader(envelope.Data))
	decoder.UseNumber()
	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(document); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, envelope.Event, err)
	}

	return decodeEvent(envelope)
}

func decodeEvent(envelope Envelope) (Event, error) {
	switch envelope.Event {
	case EventNewMessage:
		var payload dto.MessagePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return NewMessageEvent{Message: payload}, nil
	case EventMessageRead:
		var payload dto.MessageReadPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return MessageReadEvent{ConversationID: payload.ConversationID, ReaderID: payload.ReaderID}, nil
	case EventLikeAdded, EventLikeRemoved:
		var payload dto.LikePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return LikeEvent{Added: envelope.Event == EventLikeAdded, Like: payload}, nil
	case EventNewNotification:
		var payload dto.NotificationPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return NotificationEvent{Notification: payload}, nil
	case EventUserOnline, EventUserOffline:
		userID, err := decodePresenceUser(envelope.Data)
		if err != nil {
			return nil, err
		}
		return PresenceEvent{Online: envelope.Event == EventUserOnline, UserID: userID}, nil
	case EventOnlineUsers:
		var ids []string
		if err := json.Unmarshal(envelope.Data, &ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return OnlineUsersEvent{UserIDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
}

// Presence events arrive either as a bare user id or as {"userId": ...}.
func decodePresenceUser(data json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var userID string
		if err := json.Unmarshal(trimmed, &userID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return userID, nil
	}

	var payload dto.PresencePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload.UserID, nil
}

// Encode builds an outbound frame. A nil payload produces a frame without data.
func Encode(kind EventKind, payload interface{}) ([]byte, error) {
	envelope := Envelope{Event: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		envelope.Data = data
	}
	return json.Marshal(envelope)
}
