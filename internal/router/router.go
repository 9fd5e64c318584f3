package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/ims-sync/internal/config"
	"github.com/noah-isme/ims-sync/internal/handler"
	"github.com/noah-isme/ims-sync/internal/middleware"
	"github.com/noah-isme/ims-sync/internal/observability"
	"github.com/noah-isme/ims-sync/internal/service"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SessionState        func() service.SessionState
	SessionHandler      *handler.SessionHandler
	ChatHandler         *handler.ChatHandler
	NotificationHandler *handler.NotificationHandler
	PresenceHandler     *handler.PresenceHandler
	LikeHandler         *handler.LikeHandler
	PushHandler         *handler.PushHandler
	// MutationLimit caps mutations per client IP per second. Zero uses the limiter default.
	MutationLimit int
}

// Register wires the bridge routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.SessionState))

	mutations := middleware.RateLimit("bridge", deps.MutationLimit, time.Second)

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(api.Group("/session"))
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chat", mutations))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", mutations))
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(api.Group("/presence"))
	}

	if deps.LikeHandler != nil {
		deps.LikeHandler.Register(api.Group("/posts", mutations))
	}

	if deps.PushHandler != nil {
		deps.PushHandler.Register(api.Group("/push", mutations))
	}
}
