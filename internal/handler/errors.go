package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/finlit/core-api/internal/logging"
	"github.com/finlit/core-api/internal/service"
)

// authError maps service sentinels to HTTP errors. Anything unrecognised is
// returned as is and becomes a 500 in ErrorHandler.
func authError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, "missing required fields").SetInternal(err)
	case errors.Is(err, service.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, service.ErrEmailExists):
		return echo.NewHTTPError(http.StatusConflict, "email already exists")
	}
	return err
}

// ErrorHandler replaces echo's default handler. Every error body has the
// shape {"error": "..."}; unexpected errors are logged and answered with a
// generic 500 so no internal detail reaches the client.
func ErrorHandler(logger logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()

		status := http.StatusInternalServerError
		msg := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(status)
			}
			if he.Internal != nil && status >= http.StatusInternalServerError {
				logger.Error(ctx, "request failed", "error", he.Internal, "path", c.Path())
			}
		} else {
			logger.Error(ctx, "unhandled error", "error", err, "method", c.Request().Method, "path", c.Path())
			msg = "internal server error"
		}
		if status == http.StatusInternalServerError && msg == http.StatusText(status) {
			msg = "internal server error"
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, echo.Map{"error": msg})
		}
		if err != nil {
			logger.Warn(ctx, "write error response", "error", err)
		}
	}
}
