package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/sitecraft/sitecraft-api/internal/api/handler"
)

// NewHTTPErrorHandler returns an echo.HTTPErrorHandler that:
//   - Maps domain errors and echo errors to their HTTP status codes.
//   - Logs server-side failures with their cause, never sending it to the client
//     unless development is true.
//   - Renders a consistent JSON envelope: {"error": true, "message": "..."}.
func NewHTTPErrorHandler(log zerolog.Logger, development bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, msg, cause := resolveError(err)
		resp := handler.ErrorResponse{Error: true, Message: msg}

		if code >= http.StatusInternalServerError {
			ev := log.Error().
				Err(cause).
				Int("status", code).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			if oopsErr, ok := oops.AsOops(cause); ok {
				ev = ev.Interface("code", oopsErr.Code()).Fields(oopsErr.Context())
			}
			ev.Msg("request failed")

			if development && cause != nil {
				resp.Details = cause.Error()
			}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, resp)
		}
		if writeErr != nil {
			log.Warn().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func resolveError(err error) (int, string, error) {
	// Echo's own errors (bind failures, 404 from router) and errors already
	// mapped by the handlers.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		cause := he.Internal
		if cause == nil {
			cause = err
		}
		return he.Code, fmt.Sprintf("%v", he.Message), cause
	}

	code, msg := handler.StatusFor(err)
	return code, msg, err
}
