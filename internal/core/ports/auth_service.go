package ports

import (
	"context"
	"time"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

// AuthResult is returned by a successful Register or Login.
type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	User      *domain.PublicUser
}

type AuthService interface {
	Register(ctx context.Context, email, password, name string) (*AuthResult, error)
	Login(ctx context.Context, email, password string) (*AuthResult, error)
	VerifyAndFetch(ctx context.Context, token string) (*domain.PublicUser, error)
}
