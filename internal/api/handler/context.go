package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/sitecraft/sitecraft-api/internal/api/middleware"
	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

// currentUser returns the user injected by the Auth middleware. Its absence
// means the route was wired without the middleware; answer 401 rather than
// leak a 500.
func currentUser(c echo.Context) (*domain.PublicUser, error) {
	user, ok := c.Get(middleware.UserKey).(*domain.PublicUser)
	if !ok || user == nil {
		return nil, ToHTTPError(domain.ErrNoToken)
	}
	return user, nil
}
