package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/models"
	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/repository"
)

// NotificationStore is the paginated notification feed plus realtime pushes.
type NotificationStore struct {
	repo      repository.NotificationRepository
	list      *PagedList[models.Notification]
	updates   UpdatePublisher
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NotificationsUpdate is the payload of notifications updates.
type NotificationsUpdate struct {
	Items       []models.Notification `json:"items"`
	Pagination  dto.PageMeta          `json:"pagination"`
	UnreadCount int                   `json:"unread_count"`
}

// NewNotificationStore constructs the store. pageSize <= 0 selects DefaultPageSize.
func NewNotificationStore(repo repository.NotificationRepository, updates UpdatePublisher, pageSize int, logger zerolog.Logger) *NotificationStore {
	sanitizer := bluemonday.StrictPolicy()

	store := &NotificationStore{
		repo:      repo,
		updates:   updates,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "notification_store").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/ims-sync/internal/service/notification"),
	}
	store.list = NewPagedList[models.Notification](store.fetchPage, pageSize)
	return store
}

// Attach registers the new_notification handler.
func (s *NotificationStore) Attach(source EventSource) {
	source.On(realtime.EventNewNotification, func(event realtime.Event) {
		if pushed, ok := event.(realtime.NotificationEvent); ok {
			s.HandleNotification(pushed.Notification)
		}
	})
}

func (s *NotificationStore) fetchPage(ctx context.Context, page, limit int) ([]models.Notification, dto.PaginationMeta, error) {
	list, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, dto.PaginationMeta{}, err
	}

	items := dto.NewNotificationModelSlice(list.Entries())
	for i := range items {
		items[i].Message = s.clean(items[i].Message)
	}
	return items, list.Pagination, nil
}

// Fetch loads a page of notifications.
func (s *NotificationStore) Fetch(ctx context.Context, page, limit int) (dto.PageResponse[models.Notification], error) {
	ctx, span := s.tracer.Start(ctx, "notifications.fetch", trace.WithAttributes(
		attribute.Int("notifications.page", page),
		attribute.Int("notifications.limit", limit),
	))
	defer span.End()

	resp, err := s.list.Fetch(ctx, page, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return dto.PageResponse[models.Notification]{}, fmt.Errorf("fetch notifications: %w", err)
	}

	s.publish()
	return resp, nil
}

// Refresh discards the feed and reloads page 1.
func (s *NotificationStore) Refresh(ctx context.Context) (dto.PageResponse[models.Notification], error) {
	resp, err := s.list.Refresh(ctx)
	if err != nil {
		return dto.PageResponse[models.Notification]{}, fmt.Errorf("refresh notifications: %w", err)
	}

	s.publish()
	return resp, nil
}

// MarkRead marks one notification read on the backend and locally.
func (s *NotificationStore) MarkRead(ctx context.Context, id string) (models.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attribute.String("notification.id", id)))
	defer span.End()

	payload, err := s.repo.MarkRead(ctx, id)
	if err != nil {
		span.RecordError(err)
		return models.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}

	var updated models.Notification
	found := s.list.UpdateItem(id, func(item *models.Notification) {
		item.Read = true
		updated = *item
	})
	if !found {
		updated = dto.NewNotificationModel(payload)
		updated.Message = s.clean(updated.Message)
		updated.Read = true
	}

	s.publish()
	return updated, nil
}

// MarkAllRead marks every notification read on the backend and reloads the feed.
func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	if err := s.repo.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	_, err := s.Refresh(ctx)
	return err
}

// Delete removes a notification on the backend and from the feed.
func (s *NotificationStore) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}

	if s.list.RemoveItem(id) {
		s.publish()
	}
	return nil
}

// HandleNotification puts a pushed notification at the head of the feed.
func (s *NotificationStore) HandleNotification(payload dto.NotificationPayload) {
	notification := dto.NewNotificationModel(payload)
	notification.Message = s.clean(notification.Message)
	s.list.Prepend(notification)

	s.logger.Debug().Str("notification_id", notification.ID).Str("type", string(notification.Type)).Msg("notification received")

	if s.updates != nil {
		s.updates.Publish(Update{Kind: UpdateNotification, Payload: notification})
	}
	s.publish()
}

// Items returns the merged feed.
func (s *NotificationStore) Items() []models.Notification {
	return s.list.Items()
}

// Pagination returns the feed's pagination state.
func (s *NotificationStore) Pagination() dto.PageMeta {
	return s.list.Meta()
}

// UnreadCount counts unread notifications in the loaded feed.
func (s *NotificationStore) UnreadCount() int {
	count := 0
	for _, item := range s.list.Items() {
		if !item.Read {
			count++
		}
	}
	return count
}

// Reset empties the feed.
func (s *NotificationStore) Reset() {
	s.list.Reset()
}

func (s *NotificationStore) clean(message string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(message))
}

func (s *NotificationStore) publish() {
	if s.updates == nil {
		return
	}
	s.updates.Publish(Update{Kind: UpdateNotifications, Payload: NotificationsUpdate{
		Items:       s.list.Items(),
		Pagination:  s.list.Meta(),
		UnreadCount: s.UnreadCount(),
	}})
}
