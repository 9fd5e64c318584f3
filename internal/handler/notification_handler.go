package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/models"
	"github.com/noah-isme/ims-sync/internal/observability"
	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// NotificationHandler serves the notification list, its mutations and the update stream.
type NotificationHandler struct {
	store     *service.NotificationStore
	updates   *service.UpdateBroker
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(store *service.NotificationStore, updates *service.UpdateBroker, logger zerolog.Logger, keepAlive time.Duration) *NotificationHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &NotificationHandler{
		store:     store,
		updates:   updates,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/stream", h.stream)
	router.Post("/read-all", h.markAllRead)
	router.Patch("/:id/read", h.markRead)
	router.Delete("/:id", h.delete)
}

type notificationListResponse struct {
	Items       []models.Notification `json:"items"`
	Pagination  dto.PageMeta          `json:"pagination"`
	UnreadCount int                   `json:"unreadCount"`
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if page == 0 {
		page = 1
	}

	result, err := h.store.Fetch(requestContext(c), page, limit)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load notifications")
	}

	return utils.SendSuccess(c, "notifications", notificationListResponse{
		Items:       result.Items,
		Pagination:  result.Pagination,
		UnreadCount: h.store.UnreadCount(),
	})
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "notification id required")
	}

	notification, err := h.store.MarkRead(requestContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "failed to update notification")
	}

	return utils.SendSuccess(c, "notification updated", notification)
}

func (h *NotificationHandler) markAllRead(c *fiber.Ctx) error {
	if err := h.store.MarkAllRead(requestContext(c)); err != nil {
		return respondError(c, h.logger, err, "failed to update notifications")
	}

	return utils.SendSuccess(c, "notifications updated", notificationListResponse{
		Items:       h.store.Items(),
		Pagination:  h.store.Pagination(),
		UnreadCount: h.store.UnreadCount(),
	})
}

func (h *NotificationHandler) delete(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "notification id required")
	}

	if err := h.store.Delete(requestContext(c), id); err != nil {
		return respondError(c, h.logger, err, "failed to delete notification")
	}

	return utils.SendSuccess(c, "notification deleted", nil)
}

// stream relays every store update to the renderer as server-sent events named after the
// update kind.
func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	updates, cleanup := h.updates.Subscribe()
	logger := *requestLogger(h.logger, c)
	keepAlive := h.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		opened := time.Now()
		defer func() {
			cleanup()
			cancel()
			lifetime := time.Since(opened)
			observability.BridgeStreamSessions().WithLabelValues("updates").Observe(lifetime.Seconds())
			logger.Info().Dur("open_for", lifetime).Msg("renderer update stream closed")
		}()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		if err := writeKeepAlive(w); err != nil {
			return
		}

		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if err := writeUpdateEvent(w, update); err != nil {
					logger.Debug().Err(err).Msg("failed to write update event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					logger.Debug().Err(err).Msg("failed to write stream keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func writeUpdateEvent(w *bufio.Writer, update service.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", update.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
