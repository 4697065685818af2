package middleware

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ResponseObserver logs outgoing responses for debugging. It only reads a
// copy of the body and never alters what the client receives. Bodies of
// successful responses carry session tokens, so only error bodies are logged.
func ResponseObserver(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.BodyDumpWithConfig(echomiddleware.BodyDumpConfig{
		Handler: func(c echo.Context, _ []byte, resBody []byte) {
			status := c.Response().Status
			ev := log.Debug().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", status).
				Int("bytes", len(resBody))
			if status >= 400 {
				ev = ev.Bytes("body", resBody)
			}
			ev.Msg("response")
		},
	})
}
