package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/middleware"
	"github.com/noah-isme/ims-sync/internal/repository"
	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, strconv.ErrRange
	}
	return parsed, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationFields(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields[strings.ToLower(fieldErr.Field())] = fieldErr.Tag()
	}
	return fields
}

// respondError maps store and backend errors onto bridge responses.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	var apiErr *repository.APIError

	switch {
	case isValidationError(err):
		return utils.SendValidationError(c, "invalid payload", validationFields(err))
	case errors.As(err, &apiErr) && apiErr.IsValidation():
		return utils.SendValidationError(c, apiErr.Message, apiErr.Fields)
	case errors.Is(err, repository.ErrSessionExpired):
		return utils.SendError(c, fiber.StatusUnauthorized, "session expired")
	case errors.Is(err, repository.ErrInvalidSubscription):
		return utils.SendValidationError(c, err.Error(), nil)
	case errors.Is(err, repository.ErrSubscriptionGone):
		return utils.SendError(c, fiber.StatusGone, err.Error())
	case errors.Is(err, service.ErrEmptyMessage):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrMessageNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrMessageNotFailed), errors.Is(err, service.ErrLikeInFlight):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.As(err, &apiErr) && apiErr.Status == fiber.StatusNotFound:
		return utils.SendError(c, fiber.StatusNotFound, apiErr.Message)
	case errors.As(err, &apiErr):
		requestLogger(logger, c).Warn().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusBadGateway, fallback)
	default:
		requestLogger(logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusBadGateway, fallback)
	}
}
