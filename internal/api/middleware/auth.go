package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

// UserKey is the echo context key holding the verified *domain.PublicUser.
const UserKey = "user"

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	VerifyAndFetch(ctx context.Context, token string) (*domain.PublicUser, error)
}

// ErrorMapper turns a domain error into the error returned to echo.
type ErrorMapper func(error) error

// Auth extracts the bearer token, verifies it and injects the user into the
// context. A missing header is domain.ErrNoToken; a header that is not a
// bearer credential is domain.ErrInvalidToken.
func Auth(verifier TokenVerifier, mapErr ErrorMapper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return mapErr(err)
			}

			user, err := verifier.VerifyAndFetch(c.Request().Context(), token)
			if err != nil {
				return mapErr(err)
			}

			c.Set(UserKey, user)
			return next(c)
		}
	}
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, "bearer") {
		return "", domain.ErrNoToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", domain.ErrInvalidToken
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", domain.ErrNoToken
	}
	return token, nil
}
