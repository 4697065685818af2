package ports

import "context"

// Readiness exposes the database link state to the auth core.
type Readiness interface {
	// IsReady is a point-in-time hint; the link may drop right after.
	IsReady() bool
	// EnsureReady makes at most one connection attempt when not ready.
	EnsureReady(ctx context.Context) error
}

// LoginLimiter throttles repeated failed logins for an email.
type LoginLimiter interface {
	Allow(ctx context.Context, email string) error
	RecordFailure(ctx context.Context, email string) error
	Reset(ctx context.Context, email string) error
}
