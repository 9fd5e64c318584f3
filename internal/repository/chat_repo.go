package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/ims-sync/internal/dto"
)

// ChatRepository wraps the backend chat endpoints.
type ChatRepository interface {
	ListConversations(ctx context.Context) ([]dto.ConversationPayload, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (dto.ListResponse[dto.MessagePayload], error)
	SendMessage(ctx context.Context, req dto.SendMessageRequest) (dto.MessagePayload, error)
}

type chatRepository struct {
	client   *APIClient
	validate *validator.Validate
}

// NewChatRepository constructs a chat repository on top of the shared API client.
func NewChatRepository(client *APIClient, validate *validator.Validate) ChatRepository {
	return &chatRepository{client: client, validate: validate}
}

func (r *chatRepository) ListConversations(ctx context.Context) ([]dto.ConversationPayload, error) {
	var raw json.RawMessage
	if err := r.client.Do(ctx, http.MethodGet, "/chat/conversations", nil, nil, &raw); err != nil {
		return nil, err
	}

	list, err := decodeList[dto.ConversationPayload](raw)
	if err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return list.Entries(), nil
}

func (r *chatRepository) ListMessages(ctx context.Context, conversationID string, page, limit int) (dto.ListResponse[dto.MessagePayload], error) {
	if conversationID == "" {
		return dto.ListResponse[dto.MessagePayload]{}, fmt.Errorf("conversation id is required")
	}

	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	var raw json.RawMessage
	if err := r.client.Do(ctx, http.MethodGet, path, pageQuery(page, limit), nil, &raw); err != nil {
		return dto.ListResponse[dto.MessagePayload]{}, err
	}

	list, err := decodeList[dto.MessagePayload](raw)
	if err != nil {
		return dto.ListResponse[dto.MessagePayload]{}, fmt.Errorf("decode messages: %w", err)
	}
	return list, nil
}

func (r *chatRepository) SendMessage(ctx context.Context, req dto.SendMessageRequest) (dto.MessagePayload, error) {
	if err := r.validate.Struct(req); err != nil {
		return dto.MessagePayload{}, fmt.Errorf("invalid message: %w", err)
	}

	var message dto.MessagePayload
	if err := r.client.Do(ctx, http.MethodPost, "/chat/messages", nil, req, &message); err != nil {
		return dto.MessagePayload{}, err
	}
	if message.ID == "" {
		return dto.MessagePayload{}, fmt.Errorf("send message: response carried no message id")
	}
	return message, nil
}

// decodeList accepts either a bare JSON array or a {items|data, pagination} object.
func decodeList[T any](raw json.RawMessage) (dto.ListResponse[T], error) {
	var list dto.ListResponse[T]
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || string(trimmed) == "null" {
		return list, nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return list, err
		}
		list.Items = items
		list.Pagination = dto.PaginationMeta{CurrentPage: 1, TotalPages: 1, Total: len(items), Limit: len(items)}
		return list, nil
	}

	if err := json.Unmarshal(trimmed, &list); err != nil {
		return list, err
	}
	return list, nil
}
