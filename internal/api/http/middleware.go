// Package http serves the local status endpoints of a session instance.
package http

import (
	"errors"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/observability"
	apperrors "github.com/spec-kit/inspect-session/pkg/util"
)

// RegisterMiddlewares attaches error handling and request logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	app.Use(errorHandlingMiddleware(logger))
	app.Use(requestLogger(logger, metrics))
}

func errorHandlingMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewDomainError(apperrors.CodeInternal, "internal error", fiber.StatusInternalServerError, nil)
			}
			if err == nil {
				return
			}
			var fe *fiber.Error
			if errors.As(err, &fe) {
				err = apperrors.NewDomainError(apperrors.CodeInternal, fe.Message, fe.Code, nil)
			}
			domainErr := apperrors.ToDomainError(err)
			status := domainErr.HTTPStatus
			if status == 0 {
				status = fiber.StatusInternalServerError
			}
			response := fiber.Map{"error": fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			}}
			if len(domainErr.Details) > 0 {
				response["error"].(fiber.Map)["details"] = domainErr.Details
			}
			if status >= 500 {
				logger.Error("request failed", zap.Error(domainErr))
			}
			c.Status(status)
			_ = c.JSON(response)
			err = nil
		}()
		return c.Next()
	}
}

func requestLogger(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		took := time.Since(start)
		status := c.Response().StatusCode()

		metrics.RecordServed(c.Route().Path, status)
		logger.Debug("request served",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("took", took))
		return err
	}
}
