package handler

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/models"
	"github.com/noah-isme/ims-sync/internal/repository"
	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// ChatHandler exposes the reconciled chat state to the renderer.
type ChatHandler struct {
	store     *service.ChatStore
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(store *service.ChatStore, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		store:     store,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Get("/conversations", h.conversations)
	router.Get("/conversations/:id/messages", h.messages)
	router.Post("/conversations/:id/messages", h.send)
	router.Post("/conversations/:id/active", h.activate)
	router.Delete("/active", h.deactivate)
	router.Post("/messages/:clientId/retry", h.retry)
}

type sendMessageBody struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type messagesResponse struct {
	Items      []models.Message `json:"items"`
	Pagination *dto.PageMeta    `json:"pagination,omitempty"`
}

func (h *ChatHandler) conversations(c *fiber.Ctx) error {
	cached := h.store.Conversations()
	if len(cached) > 0 && !c.QueryBool("refresh") {
		return utils.SendSuccess(c, "conversations", cached)
	}

	conversations, err := h.store.LoadConversations(requestContext(c))
	if err != nil {
		return respondError(c, h.logger, err, "failed to load conversations")
	}

	return utils.SendSuccess(c, "conversations", conversations)
}

// messages returns the cached list, or fetches a history page when page is given.
func (h *ChatHandler) messages(c *fiber.Ctx) error {
	conversationID := strings.TrimSpace(c.Params("id"))
	if conversationID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "conversation id required")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	if page == 0 {
		return utils.SendSuccess(c, "messages", messagesResponse{Items: h.store.Messages(conversationID)})
	}

	messages, meta, err := h.store.LoadMessages(requestContext(c), conversationID, page, limit)
	if err != nil {
		return respondError(c, h.logger, err, "failed to load messages")
	}

	return utils.SendSuccess(c, "messages", messagesResponse{Items: messages, Pagination: &meta})
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	conversationID := strings.TrimSpace(c.Params("id"))
	if conversationID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "conversation id required")
	}

	var body sendMessageBody
	if err := c.BodyParser(&body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(body); err != nil {
		return respondError(c, h.logger, err, "invalid message")
	}

	start := time.Now()
	message, err := h.store.Send(requestContext(c), conversationID, body.Text)
	if err != nil {
		return h.deliveryFailed(c, message, err, "failed to send message")
	}

	requestLogger(h.logger, c).Debug().
		Str("client_id", message.ClientID).
		Dur("latency", time.Since(start)).
		Msg("message delivered")

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) activate(c *fiber.Ctx) error {
	conversationID := strings.TrimSpace(c.Params("id"))
	if conversationID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "conversation id required")
	}

	h.store.SetActive(conversationID)
	return utils.SendSuccess(c, "conversation active", fiber.Map{"conversationId": conversationID})
}

func (h *ChatHandler) deactivate(c *fiber.Ctx) error {
	h.store.SetActive("")
	return utils.SendSuccess(c, "conversation inactive", nil)
}

func (h *ChatHandler) retry(c *fiber.Ctx) error {
	clientID := strings.TrimSpace(c.Params("clientId"))
	if clientID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "client id required")
	}

	message, err := h.store.Retry(requestContext(c), clientID)
	if err != nil {
		return h.deliveryFailed(c, message, err, "failed to retry message")
	}

	return utils.SendSuccess(c, "message sent", message)
}

// deliveryFailed reports a send whose entry stayed in the list as failed together with that
// entry, so the renderer can offer a retry.
func (h *ChatHandler) deliveryFailed(c *fiber.Ctx, message models.Message, err error, fallback string) error {
	var apiErr *repository.APIError
	if message.State != models.MessageStateFailed || (errors.As(err, &apiErr) && apiErr.IsValidation()) {
		return respondError(c, h.logger, err, fallback)
	}

	requestLogger(h.logger, c).Warn().Err(err).Str("client_id", message.ClientID).Msg("message kept as failed")
	return c.Status(fiber.StatusBadGateway).JSON(utils.APIResponse{
		Success: false,
		Data:    message,
		Message: "message delivery failed",
	})
}
