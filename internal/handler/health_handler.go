package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/ims-sync/internal/config"
	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Realtime    string    `json:"realtime"`
	Session     bool      `json:"session"`
}

// HealthCheck returns a handler that reports bridge health and the realtime connection status.
// A disconnected socket is reported as degraded, not as a failure.
func HealthCheck(cfg config.Config, state func() service.SessionState) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Realtime:    string(realtime.StatusDisconnected),
		}
		if state != nil {
			current := state()
			payload.Realtime = current.Realtime
			payload.Session = current.Active
		}
		if payload.Realtime != string(realtime.StatusConnected) {
			payload.Status = "degraded"
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
