package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// SessionHandler reports and ends the signed-in session.
type SessionHandler struct {
	session *service.Session
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(session *service.Session) *SessionHandler {
	return &SessionHandler{session: session}
}

// Register binds the session routes.
func (h *SessionHandler) Register(router fiber.Router) {
	router.Get("/", h.state)
	router.Post("/logout", h.logout)
}

func (h *SessionHandler) state(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "session", h.session.State())
}

func (h *SessionHandler) logout(c *fiber.Ctx) error {
	h.session.Logout()
	return utils.SendSuccess(c, "signed out", h.session.State())
}
