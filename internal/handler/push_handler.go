package handler

import (
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/repository"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// PushHandler registers browser push subscriptions with the backend and sends local test
// notifications through the daemon's own push sender.
type PushHandler struct {
	repo   repository.PushRepository
	sender *repository.PushSender
	logger zerolog.Logger
}

// NewPushHandler constructs a push handler. sender may be nil, which disables the local routes.
func NewPushHandler(repo repository.PushRepository, sender *repository.PushSender, logger zerolog.Logger) *PushHandler {
	return &PushHandler{
		repo:   repo,
		sender: sender,
		logger: logger.With().Str("component", "push_handler").Logger(),
	}
}

// Register binds the push subscription routes.
func (h *PushHandler) Register(router fiber.Router) {
	router.Post("/subscriptions", h.subscribe)
	router.Delete("/subscriptions", h.unsubscribe)
	router.Get("/vapid-key", h.vapidKey)
	router.Post("/test", h.sendTest)
}

type unsubscribeBody struct {
	Endpoint string `json:"endpoint"`
}

type testPushBody struct {
	Subscription webpush.Subscription `json:"subscription"`
	Title        string               `json:"title"`
	Body         string               `json:"body"`
}

func (h *PushHandler) subscribe(c *fiber.Ctx) error {
	var subscription webpush.Subscription
	if err := c.BodyParser(&subscription); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := repository.ValidateSubscription(subscription); err != nil {
		return respondError(c, h.logger, err, "invalid subscription")
	}

	if err := h.repo.Subscribe(requestContext(c), subscription); err != nil {
		return respondError(c, h.logger, err, "failed to register push subscription")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "push subscription registered", fiber.Map{"endpoint": subscription.Endpoint})
}

func (h *PushHandler) unsubscribe(c *fiber.Ctx) error {
	var body unsubscribeBody
	if err := c.BodyParser(&body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.repo.Unsubscribe(requestContext(c), body.Endpoint); err != nil {
		return respondError(c, h.logger, err, "failed to remove push subscription")
	}

	return utils.SendSuccess(c, "push subscription removed", nil)
}

func (h *PushHandler) vapidKey(c *fiber.Ctx) error {
	if h.sender == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "local push is disabled")
	}
	return utils.SendSuccess(c, "vapid key retrieved", fiber.Map{"publicKey": h.sender.PublicKey()})
}

func (h *PushHandler) sendTest(c *fiber.Ctx) error {
	if h.sender == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "local push is disabled")
	}

	var body testPushBody
	if err := c.BodyParser(&body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if body.Title == "" {
		body.Title = "IMS notifications enabled"
	}

	message := repository.PushMessage{Title: body.Title, Body: body.Body, Data: map[string]string{"kind": "test"}}
	if err := h.sender.Send(requestContext(c), body.Subscription, message); err != nil {
		return respondError(c, h.logger, err, "failed to send test push")
	}

	return utils.SendSuccess(c, "test push sent", fiber.Map{"endpoint": body.Subscription.Endpoint})
}
