package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

type stubAuthRepo struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	nextID  int
	findErr error
	// createErr, when set, is returned by Create instead of inserting.
	createErr error
}

func newStubAuthRepo() *stubAuthRepo {
	return &stubAuthRepo{users: make(map[string]*domain.User)}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

func (r *stubAuthRepo) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	for _, u := range r.users {
		if u.Email == user.Email {
			return nil, domain.ErrUserExists
		}
	}
	r.nextID++
	copy := cloneUser(user)
	copy.ID = "user-" + strconv.Itoa(r.nextID)
	r.users[copy.ID] = cloneUser(copy)
	return copy, nil
}

func (r *stubAuthRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (r *stubAuthRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u = cloneUser(u)
	u.PasswordHash = ""
	return u, nil
}

func (r *stubAuthRepo) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

type stubConn struct {
	err   error
	calls int
}

func (c *stubConn) IsReady() bool { return c.err == nil }

func (c *stubConn) EnsureReady(context.Context) error {
	c.calls++
	return c.err
}

type stubLimiter struct {
	allowErr error
	failures map[string]int
	resets   int
}

func (l *stubLimiter) Allow(context.Context, string) error { return l.allowErr }

func (l *stubLimiter) RecordFailure(_ context.Context, email string) error {
	if l.failures == nil {
		l.failures = make(map[string]int)
	}
	l.failures[email]++
	return nil
}

func (l *stubLimiter) Reset(context.Context, string) error {
	l.resets++
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, repo *stubAuthRepo, conn *stubConn, opts ...AuthOption) (*AuthService, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tokens, err := NewTokenManager([]byte("secret"), time.Hour, 0, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	opts = append([]AuthOption{WithHashCost(bcrypt.MinCost)}, opts...)
	return NewAuthService(repo, conn, tokens, opts...), clock
}

func TestAuthService_Register_Success(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	res, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if res.Token == "" {
		t.Fatalf("expected token, got empty")
	}
	if res.User == nil || res.User.Email != "a@x.com" || res.User.Name != "A" {
		t.Fatalf("unexpected user: %+v", res.User)
	}

	stored, err := repo.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("user not stored: %v", err)
	}
	if stored.PasswordHash == "secret123" {
		t.Fatalf("expected password to be hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret123")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestAuthService_Register_NormalizesEmail(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	res, err := svc.Register(context.Background(), "  Bob@Example.COM ", "pw", "Bob")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if res.User.Email != "bob@example.com" {
		t.Fatalf("expected normalized email, got %q", res.User.Email)
	}
	if _, err := svc.Register(context.Background(), "bob@example.com", "pw", "Bob"); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists for differently-cased email, got %v", err)
	}
}

func TestAuthService_Register_Validation(t *testing.T) {
	repo := newStubAuthRepo()
	conn := &stubConn{}
	svc, _ := newTestService(t, repo, conn)

	cases := []struct{ email, password, name string }{
		{"", "pw", "A"},
		{"a@x.com", "", "A"},
		{"a@x.com", "pw", "   "},
	}
	for _, tc := range cases {
		_, err := svc.Register(context.Background(), tc.email, tc.password, tc.name)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", tc, err)
		}
	}

	long := make([]byte, maxPasswordBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.Register(context.Background(), "a@x.com", string(long), "A"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for long password, got %v", err)
	}

	if conn.calls != 0 {
		t.Fatalf("validation failures must not touch the connection, got %d calls", conn.calls)
	}
}

func TestAuthService_Register_Duplicate(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	if _, err := svc.Register(context.Background(), "a@x.com", "secret123", "A"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), "a@x.com", "secret123", "A"); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthService_Register_DuplicateAtWrite(t *testing.T) {
	repo := newStubAuthRepo()
	repo.createErr = domain.ErrUserExists
	svc, _ := newTestService(t, repo, &stubConn{})

	_, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists from a write-time conflict, got %v", err)
	}
}

func TestAuthService_Register_ConnectionDown(t *testing.T) {
	repo := newStubAuthRepo()
	conn := &stubConn{err: &domain.ConnectError{Reason: "timeout", Err: context.DeadlineExceeded}}
	svc, _ := newTestService(t, repo, conn)

	_, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(repo.users) != 0 {
		t.Fatalf("store must not be touched while disconnected")
	}
}

func TestAuthService_Register_StoreError(t *testing.T) {
	repo := newStubAuthRepo()
	repo.createErr = errors.New("disk full")
	svc, _ := newTestService(t, repo, &stubConn{})

	_, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestAuthService_Login_Success(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	reg, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	res, err := svc.Login(context.Background(), "A@X.com", "secret123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if res.Token == "" {
		t.Fatalf("expected token, got empty")
	}
	if res.User.ID != reg.User.ID {
		t.Fatalf("expected user %s, got %s", reg.User.ID, res.User.ID)
	}

	userID, err := svc.tokens.Parse(res.Token)
	if err != nil {
		t.Fatalf("token invalid: %v", err)
	}
	if userID != reg.User.ID {
		t.Fatalf("token bound to %s, want %s", userID, reg.User.ID)
	}
}

func TestAuthService_Login_NonDistinguishing(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	if _, err := svc.Register(context.Background(), "a@x.com", "secret123", "A"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, wrongPassword := svc.Login(context.Background(), "a@x.com", "wrong")
	_, unknownEmail := svc.Login(context.Background(), "nobody@x.com", "secret123")

	if !errors.Is(wrongPassword, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", wrongPassword)
	}
	if wrongPassword != unknownEmail {
		t.Fatalf("wrong password (%v) and unknown email (%v) must be indistinguishable", wrongPassword, unknownEmail)
	}
}

func TestAuthService_Login_Validation(t *testing.T) {
	svc, _ := newTestService(t, newStubAuthRepo(), &stubConn{})

	if _, err := svc.Login(context.Background(), "", "pw"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.Login(context.Background(), "a@x.com", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAuthService_Login_ConnectionDown(t *testing.T) {
	conn := &stubConn{err: domain.ErrUnavailable}
	svc, _ := newTestService(t, newStubAuthRepo(), conn)

	if _, err := svc.Login(context.Background(), "a@x.com", "pw"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAuthService_Login_StoreError(t *testing.T) {
	repo := newStubAuthRepo()
	repo.findErr = errors.New("cursor killed")
	svc, _ := newTestService(t, repo, &stubConn{})

	_, err := svc.Login(context.Background(), "a@x.com", "pw")
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("store failures must not look like bad credentials")
	}
}

func TestAuthService_Login_LinkDroppedMidRequest(t *testing.T) {
	repo := newStubAuthRepo()
	repo.findErr = errors.Join(domain.ErrUnavailable, errors.New("connection reset"))
	svc, _ := newTestService(t, repo, &stubConn{})

	_, err := svc.Login(context.Background(), "a@x.com", "pw")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, domain.ErrStore) {
		t.Fatalf("a dropped link must not be reported as a store failure")
	}
}

func TestAuthService_Login_Limiter(t *testing.T) {
	repo := newStubAuthRepo()
	limiter := &stubLimiter{}
	svc, _ := newTestService(t, repo, &stubConn{}, WithLoginLimiter(limiter))

	if _, err := svc.Register(context.Background(), "a@x.com", "secret123", "A"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, _ = svc.Login(context.Background(), "a@x.com", "wrong")
	_, _ = svc.Login(context.Background(), "ghost@x.com", "wrong")
	if limiter.failures["a@x.com"] != 1 || limiter.failures["ghost@x.com"] != 1 {
		t.Fatalf("expected one failure per email, got %v", limiter.failures)
	}

	if _, err := svc.Login(context.Background(), "a@x.com", "secret123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if limiter.resets != 1 {
		t.Fatalf("expected limiter reset after success, got %d", limiter.resets)
	}

	limiter.allowErr = domain.ErrTooManyAttempts
	if _, err := svc.Login(context.Background(), "a@x.com", "secret123"); !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestAuthService_Login_LimiterFailsOpen(t *testing.T) {
	repo := newStubAuthRepo()
	limiter := &stubLimiter{allowErr: errors.New("redis: connection refused")}
	svc, _ := newTestService(t, repo, &stubConn{}, WithLoginLimiter(limiter))

	if _, err := svc.Register(context.Background(), "a@x.com", "secret123", "A"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := svc.Login(context.Background(), "a@x.com", "secret123"); err != nil {
		t.Fatalf("login should proceed when the limiter errors, got %v", err)
	}
}

func TestAuthService_VerifyAndFetch(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	reg, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	user, err := svc.VerifyAndFetch(context.Background(), reg.Token)
	if err != nil {
		t.Fatalf("VerifyAndFetch failed: %v", err)
	}
	if user.ID != reg.User.ID || user.Email != "a@x.com" || user.Name != "A" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestAuthService_VerifyAndFetch_Expired(t *testing.T) {
	repo := newStubAuthRepo()
	svc, clock := newTestService(t, repo, &stubConn{})

	reg, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	clock.Advance(time.Hour + time.Second)
	if _, err := svc.VerifyAndFetch(context.Background(), reg.Token); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthService_VerifyAndFetch_BadTokens(t *testing.T) {
	conn := &stubConn{}
	svc, _ := newTestService(t, newStubAuthRepo(), conn)

	if _, err := svc.VerifyAndFetch(context.Background(), "  "); !errors.Is(err, domain.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	_, tampered := svc.VerifyAndFetch(context.Background(), "not.a.jwt")
	if !errors.Is(tampered, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", tampered)
	}

	other, err := NewTokenManager([]byte("other-secret"), time.Hour, 0)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	forged, _, err := other.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyAndFetch(context.Background(), forged); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	if conn.calls != 0 {
		t.Fatalf("rejected tokens must not touch the connection, got %d calls", conn.calls)
	}
}

func TestAuthService_VerifyAndFetch_UserDeleted(t *testing.T) {
	repo := newStubAuthRepo()
	svc, _ := newTestService(t, repo, &stubConn{})

	reg, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	repo.remove(reg.User.ID)

	if _, err := svc.VerifyAndFetch(context.Background(), reg.Token); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthService_VerifyAndFetch_ConnectionDown(t *testing.T) {
	repo := newStubAuthRepo()
	conn := &stubConn{}
	svc, _ := newTestService(t, repo, conn)

	reg, err := svc.Register(context.Background(), "a@x.com", "secret123", "A")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	conn.err = &domain.ConnectError{Reason: "network error", Err: errors.New("dial tcp: refused")}
	if _, err := svc.VerifyAndFetch(context.Background(), reg.Token); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestWithHashCost_Clamps(t *testing.T) {
	tokens, err := NewTokenManager([]byte("secret"), time.Hour, 0)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	svc := NewAuthService(newStubAuthRepo(), &stubConn{}, tokens, WithHashCost(1))
	if svc.hashCost != bcrypt.MinCost {
		t.Fatalf("expected cost clamped to %d, got %d", bcrypt.MinCost, svc.hashCost)
	}
}
