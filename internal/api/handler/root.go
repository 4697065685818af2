package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
}

// Welcome handles GET /.
func Welcome(c echo.Context) error {
	return c.JSON(http.StatusOK, messageResponse{Message: "Welcome to SiteCraft API"})
}

// Ping handles GET /test, a smoke route that touches no dependency.
func Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, messageResponse{Message: "Test route working!"})
}
