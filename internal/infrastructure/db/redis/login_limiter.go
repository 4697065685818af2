package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

const (
	defaultMaxAttempts = 5
	defaultLockout     = 15 * time.Minute
)

// LoginLimiter counts failed logins per email in Redis and blocks further
// attempts once the limit is reached, until the lockout window expires.
// Key format: login_fail:<email>
type LoginLimiter struct {
	client      redis.UniversalClient
	maxAttempts int
	lockout     time.Duration
}

// NewLoginLimiter creates a LoginLimiter. Non-positive limits fall back to
// 5 attempts per 15 minutes.
func NewLoginLimiter(client redis.UniversalClient, maxAttempts int, lockout time.Duration) *LoginLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if lockout <= 0 {
		lockout = defaultLockout
	}
	return &LoginLimiter{client: client, maxAttempts: maxAttempts, lockout: lockout}
}

// Allow returns domain.ErrTooManyAttempts while the email is locked out.
func (l *LoginLimiter) Allow(ctx context.Context, email string) error {
	val, err := l.client.Get(ctx, l.key(email)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("login limiter get: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("login limiter parse: %w", err)
	}
	if n >= l.maxAttempts {
		return domain.ErrTooManyAttempts
	}
	return nil
}

// RecordFailure bumps the failure counter; the window starts at the first failure.
func (l *LoginLimiter) RecordFailure(ctx context.Context, email string) error {
	key := l.key(email)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("login limiter incr: %w", err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.lockout).Err(); err != nil {
			return fmt.Errorf("login limiter expire: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, email string) error {
	return l.client.Del(ctx, l.key(email)).Err()
}

func (l *LoginLimiter) key(email string) string {
	return "login_fail:" + email
}
