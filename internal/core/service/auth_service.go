package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"golang.org/x/crypto/bcrypt"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
	"github.com/sitecraft/sitecraft-api/internal/core/ports"
	"github.com/sitecraft/sitecraft-api/internal/pkg/metrics"
)

// bcrypt ignores input past this length, so longer passwords are rejected.
const maxPasswordBytes = 72

// AuthService implements registration, login and session verification.
type AuthService struct {
	repo      ports.UserRepository
	conn      ports.Readiness
	tokens    *TokenManager
	limiter   ports.LoginLimiter
	hashCost  int
	dummyHash []byte
	log       zerolog.Logger
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithHashCost sets the bcrypt work factor, clamped to the range bcrypt accepts.
func WithHashCost(cost int) AuthOption {
	return func(s *AuthService) {
		s.hashCost = min(max(cost, bcrypt.MinCost), bcrypt.MaxCost)
	}
}

// WithLoginLimiter enables throttling of repeated failed logins.
func WithLoginLimiter(l ports.LoginLimiter) AuthOption {
	return func(s *AuthService) { s.limiter = l }
}

// WithLogger sets the service logger. The default discards everything.
func WithLogger(log zerolog.Logger) AuthOption {
	return func(s *AuthService) { s.log = log }
}

func NewAuthService(repo ports.UserRepository, conn ports.Readiness, tokens *TokenManager, opts ...AuthOption) *AuthService {
	s := &AuthService{
		repo:     repo,
		conn:     conn,
		tokens:   tokens,
		hashCost: bcrypt.DefaultCost,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Compared against when the email is unknown so that a missing account
	// costs the same as a wrong password. Cannot fail: the cost is clamped
	// and the input is short.
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sitecraft-no-such-user"), s.hashCost)
	return s
}

func (s *AuthService) Register(ctx context.Context, email, password, name string) (*ports.AuthResult, error) {
	res, err := s.register(ctx, email, password, name)
	observe("register", err)
	return res, err
}

func (s *AuthService) register(ctx context.Context, email, password, name string) (*ports.AuthResult, error) {
	email = domain.NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || password == "" || name == "" {
		return nil, domain.NewValidationError("all fields are required")
	}
	if len(password) > maxPasswordBytes {
		return nil, domain.NewValidationError("password must be at most %d bytes", maxPasswordBytes)
	}

	if err := s.conn.EnsureReady(ctx); err != nil {
		return nil, unavailable(err)
	}

	// Fast path only; the unique index on email settles concurrent registrations.
	_, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, domain.ErrUserExists
	case !errors.Is(err, domain.ErrUserNotFound):
		return nil, storeError("find user by email", err)
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	created, err := s.repo.Create(ctx, &domain.User{
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			return nil, domain.ErrUserExists
		}
		return nil, storeError("insert user", err)
	}

	res, err := s.issue(created)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", created.ID).Msg("user registered")
	return res, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*ports.AuthResult, error) {
	res, err := s.login(ctx, email, password)
	observe("login", err)
	return res, err
}

func (s *AuthService) login(ctx context.Context, email, password string) (*ports.AuthResult, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.NewValidationError("email and password are required")
	}

	if err := s.conn.EnsureReady(ctx); err != nil {
		return nil, unavailable(err)
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, email); err != nil {
			if errors.Is(err, domain.ErrTooManyAttempts) {
				return nil, domain.ErrTooManyAttempts
			}
			s.log.Warn().Err(err).Msg("login limiter check failed, continuing")
		}
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, storeError("find user by email", err)
	}

	// Always run one comparison so unknown emails and wrong passwords take
	// the same time and produce the same error.
	target := s.dummyHash
	if user != nil {
		target = []byte(user.PasswordHash)
	}
	match := s.comparePassword(target, password)

	if user == nil || !match {
		s.recordFailure(ctx, email)
		return nil, domain.ErrInvalidCredentials
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, email); err != nil {
			s.log.Warn().Err(err).Msg("failed to reset login attempts")
		}
	}

	return s.issue(user)
}

func (s *AuthService) VerifyAndFetch(ctx context.Context, token string) (*domain.PublicUser, error) {
	user, err := s.verifyAndFetch(ctx, token)
	observe("verify", err)
	return user, err
}

func (s *AuthService) verifyAndFetch(ctx context.Context, token string) (*domain.PublicUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrNoToken
	}

	userID, err := s.tokens.Parse(token)
	if err != nil {
		s.log.Debug().Err(err).Msg("token rejected")
		return nil, domain.ErrInvalidToken
	}

	if err := s.conn.EnsureReady(ctx); err != nil {
		return nil, unavailable(err)
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, storeError("find user by id", err)
	}
	return user.Public(), nil
}

func (s *AuthService) issue(user *domain.User) (*ports.AuthResult, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &ports.AuthResult{Token: token, ExpiresAt: expiresAt, User: user.Public()}, nil
}

func (s *AuthService) hashPassword(password string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.PasswordHashDuration.WithLabelValues("hash").Observe(time.Since(start).Seconds()) }()
	return bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
}

func (s *AuthService) comparePassword(hash []byte, password string) bool {
	start := time.Now()
	defer func() { metrics.PasswordHashDuration.WithLabelValues("compare").Observe(time.Since(start).Seconds()) }()
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func (s *AuthService) recordFailure(ctx context.Context, email string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.RecordFailure(ctx, email); err != nil {
		s.log.Warn().Err(err).Msg("failed to record login failure")
	}
}

// unavailable guarantees the error matches domain.ErrUnavailable whatever
// the readiness implementation returned.
func unavailable(err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
}

// storeError keeps driver detail for operators; clients only see ErrStore.
// A link that dropped mid-request is reported as unavailable instead.
func storeError(operation string, err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	return oops.
		In("auth").
		Code("STORE_ERROR").
		With("operation", operation).
		Wrap(fmt.Errorf("%w: %w", domain.ErrStore, err))
}

func observe(operation string, err error) {
	metrics.AuthOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrUserExists):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, domain.ErrNoToken), errors.Is(err, domain.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, domain.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrTooManyAttempts):
		return "throttled"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
