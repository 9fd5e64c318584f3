package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// PresenceHandler reports which users are online.
type PresenceHandler struct {
	store *service.PresenceStore
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(store *service.PresenceStore) *PresenceHandler {
	return &PresenceHandler{store: store}
}

// Register binds the presence routes.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/:userId", h.status)
}

func (h *PresenceHandler) list(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "online users", service.PresenceUpdate{Online: h.store.Online()})
}

func (h *PresenceHandler) status(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "user id required")
	}

	return utils.SendSuccess(c, "presence", fiber.Map{
		"userId": userID,
		"online": h.store.IsOnline(userID),
	})
}
