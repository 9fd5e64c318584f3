package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/observability"
)

const bridgePrefix = "/api/v1/"

// Renderer call outcomes. A 502 from the bridge means the backend call behind it failed.
const (
	outcomeServed         = "served"
	outcomeRejected       = "rejected"
	outcomeBackendFailed  = "backend_failed"
	outcomeBridgeFailed   = "bridge_failed"
	outcomeStreamAccepted = "stream_opened"
)

// Observability records every renderer call against the feature it touches (chat,
// notifications, presence, likes, push, session) and logs it with its correlation id. Update
// streams are counted when opened; their lifetime is recorded by the stream itself.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		if !strings.HasPrefix(c.Path(), bridgePrefix) {
			return err
		}

		feature := bridgeFeature(c.Path())
		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		outcome := callOutcome(route, status)

		observability.BridgeRequests().WithLabelValues(feature, method, route, outcome).Inc()
		if outcome == outcomeStreamAccepted {
			logger.Info().
				Str("correlation_id", GetCorrelationID(c)).
				Str("feature", feature).
				Msg("renderer update stream opened")
			return err
		}

		observability.BridgeLatency().WithLabelValues(feature, method).Observe(elapsed.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.BridgeErrors().WithLabelValues(feature, route, strconv.Itoa(status)).Inc()
		}

		callLogger := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("feature", feature).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Dur("elapsed", elapsed).
			Logger()

		switch outcome {
		case outcomeBridgeFailed:
			callLogger.Error().Msg("renderer call failed inside the bridge")
		case outcomeBackendFailed:
			callLogger.Warn().Msg("renderer call failed on the backend round trip")
		case outcomeRejected:
			callLogger.Warn().Msg("renderer call rejected")
		default:
			callLogger.Debug().Msg("renderer call served")
		}

		return err
	}
}

// bridgeFeature maps /api/v1/<group>/... to the store the call reaches.
func bridgeFeature(path string) string {
	group := strings.TrimPrefix(path, bridgePrefix)
	if idx := strings.IndexByte(group, '/'); idx >= 0 {
		group = group[:idx]
	}

	switch group {
	case "chat", "notifications", "presence", "push", "session", "health":
		return group
	case "posts":
		return "likes"
	default:
		return "unknown"
	}
}

func callOutcome(route string, status int) string {
	switch {
	case status == fiber.StatusBadGateway:
		return outcomeBackendFailed
	case status >= fiber.StatusInternalServerError:
		return outcomeBridgeFailed
	case status >= fiber.StatusBadRequest:
		return outcomeRejected
	case strings.HasSuffix(route, "/stream"):
		return outcomeStreamAccepted
	default:
		return outcomeServed
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}
