package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// ErrorBody is the error object of a failed response.
type ErrorBody struct {
	Code    sserr.Code `json:"code"`
	Message string     `json:"message"`
}

// ErrorResponse is the body of every failed response.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// StatusFor maps an error to its HTTP status using [sserr.Error.HTTPStatus].
// Untyped errors are 500.
func StatusFor(err error) int {
	e, ok := sserr.AsError(err)
	if !ok {
		return fiber.StatusInternalServerError
	}
	return e.HTTPStatus()
}

// publicError returns the code and client-safe message for err. 5xx
// messages are fixed strings.
func publicError(err error, status int) ErrorBody {
	e, ok := sserr.AsError(err)
	if !ok {
		return ErrorBody{Code: sserr.CodeInternal, Message: "internal error"}
	}
	switch {
	case sserr.IsConfig(e):
		return ErrorBody{Code: e.Code, Message: "service is misconfigured"}
	case status == fiber.StatusBadGateway:
		return ErrorBody{Code: e.Code, Message: "identity provider request failed; retry later"}
	case status >= 500:
		return ErrorBody{Code: e.Code, Message: "internal error"}
	default:
		return ErrorBody{Code: e.Code, Message: e.Message}
	}
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{
				Error: ErrorBody{Code: fiberCode(fe.Code), Message: fe.Message},
			})
		}

		status := StatusFor(err)
		body := publicError(err, status)
		attrs := []any{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"code", body.Code,
			"error", err,
		}
		if status >= 500 {
			logger.ErrorContext(c.UserContext(), "server: request failed", attrs...)
		} else {
			logger.DebugContext(c.UserContext(), "server: request rejected", attrs...)
		}
		return c.Status(status).JSON(ErrorResponse{Error: body})
	}
}

func httpStatus(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return StatusFor(err)
}

func fiberCode(status int) sserr.Code {
	switch {
	case status == fiber.StatusNotFound:
		return sserr.CodeNotFound
	case status < 500:
		return sserr.CodeValidation
	default:
		return sserr.CodeInternal
	}
}

// requestTimeout bounds the user context of each request.
func requestTimeout(d time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), d)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = httpStatus(err)
		}
		logger.InfoContext(c.UserContext(), "http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start),
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		)
		return err
	}
}
