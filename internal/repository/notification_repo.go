package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/noah-isme/ims-sync/internal/dto"
)

// NotificationRepository wraps the backend notification endpoints.
type NotificationRepository interface {
	List(ctx context.Context, page, limit int) (dto.ListResponse[dto.NotificationPayload], error)
	MarkRead(ctx context.Context, id string) (dto.NotificationPayload, error)
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

type notificationRepository struct {
	client *APIClient
}

// NewNotificationRepository constructs a notification repository on top of the shared API client.
func NewNotificationRepository(client *APIClient) NotificationRepository {
	return &notificationRepository{client: client}
}

func (r *notificationRepository) List(ctx context.Context, page, limit int) (dto.ListResponse[dto.NotificationPayload], error) {
	var raw json.RawMessage
	if err := r.client.Do(ctx, http.MethodGet, "/notifications", pageQuery(page, limit), nil, &raw); err != nil {
		return dto.ListResponse[dto.NotificationPayload]{}, err
	}

	list, err := decodeList[dto.NotificationPayload](raw)
	if err != nil {
		return dto.ListResponse[dto.NotificationPayload]{}, fmt.Errorf("decode notifications: %w", err)
	}
	return list, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id string) (dto.NotificationPayload, error) {
	if id == "" {
		return dto.NotificationPayload{}, fmt.Errorf("notification id is required")
	}

	var notification dto.NotificationPayload
	path := "/notifications/" + url.PathEscape(id) + "/read"
	if err := r.client.Do(ctx, http.MethodPatch, path, nil, nil, &notification); err != nil {
		return dto.NotificationPayload{}, err
	}
	if notification.ID == "" {
		notification.ID = id
		notification.Read = true
	}
	return notification, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context) error {
	return r.client.Do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil, nil)
}

func (r *notificationRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("notification id is required")
	}
	return r.client.Do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil, nil)
}
