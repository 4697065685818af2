package ports

import (
	"context"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

// UserRepository defines the persistence operations the auth core relies on.
// Implementations return domain.ErrUserNotFound for absent users and
// domain.ErrUserExists when the store rejects a duplicate email.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	// FindByID never populates PasswordHash.
	FindByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
}
