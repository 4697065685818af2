package mongo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
	"github.com/sitecraft/sitecraft-api/internal/pkg/metrics"
)

const (
	defaultTimeout                = 10 * time.Second
	defaultServerSelectionTimeout = 60 * time.Second
	defaultSocketTimeout          = 45 * time.Second
	defaultShutdownTimeout        = 10 * time.Second
	disconnectTimeout             = 5 * time.Second

	// authenticationFailed is the server error code for bad credentials.
	authenticationFailed = 18
)

var (
	// ErrMissingURI is a configuration error, not a connectivity one.
	ErrMissingURI    = errors.New("mongo: missing connection URI")
	ErrManagerClosed = fmt.Errorf("%w: connection manager closed", domain.ErrUnavailable)
)

// Config captures the settings required to establish and supervise the
// MongoDB connection.
type Config struct {
	URI                    string
	Database               string
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	TLSRequired            bool
	RetryWrites            bool
	// WriteConcern is "majority", a node count, or a custom tag. Empty keeps
	// whatever the URI says.
	WriteConcern    string
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = defaultSocketTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return c
}

// Handle describes a live connection returned by Connect.
type Handle struct {
	Host     string
	Database string
	State    State
}

// client is the subset of *mongo.Client the manager drives.
type client interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
}

type dialFunc func(ctx context.Context, opts *options.ClientOptions) (client, error)

func dialMongo(ctx context.Context, opts *options.ClientOptions) (client, error) {
	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectHook runs after every successful connection, e.g. to ensure indexes.
// A hook failure is logged and does not fail the connection.
type ConnectHook func(ctx context.Context, db *mongo.Database) error

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithConnectHook registers a hook run after each successful Connect.
func WithConnectHook(h ConnectHook) ManagerOption {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

func withDialer(d dialFunc) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// Manager owns the lifecycle of the single MongoDB connection: bounded
// connect attempts, readiness, lazy reconnection and driver notifications.
// All methods are safe for concurrent use.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	dial  dialFunc
	hooks []ConnectHook

	// sem serializes connection attempts; acquiring it honours ctx.
	sem chan struct{}

	mu      sync.RWMutex
	status  Status
	client  client
	db      *mongo.Database
	host    string
	gen     uint64
	active  uint64
	servers map[string]bool
	closed  bool
}

func NewManager(cfg Config, log zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("component", "mongo").Logger(),
		dial: dialMongo,
		sem:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mu.Lock()
	m.setStatusLocked(StateDisconnected, "")
	m.mu.Unlock()
	return m
}

// IsReady reports whether the link is currently connected. Never blocks.
func (m *Manager) IsReady() bool {
	return m.Status().State == StateConnected
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Database returns the handle of the currently installed client.
func (m *Manager) Database() (*mongo.Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, domain.ErrUnavailable
	}
	return m.db, nil
}

// OperationTimeout bounds a single store operation.
func (m *Manager) OperationTimeout() time.Duration {
	return m.cfg.SocketTimeout
}

// EnsureReady makes at most one connection attempt when the link is not
// ready. A caller that waited behind a successful attempt does not dial again.
// The whole call, including the wait for another caller's attempt, is bounded
// by the server selection timeout.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.IsReady() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ServerSelectionTimeout)
	defer cancel()

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	if m.IsReady() {
		return nil
	}
	_, err := m.connect(ctx)
	return err
}

// Connect dials the store and verifies it with a ping. Waiting for an
// in-flight attempt and the attempt itself share one server selection
// timeout. Failures leave the manager in StateError and are returned to the
// caller; they never terminate the process.
func (m *Manager) Connect(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ServerSelectionTimeout)
	defer cancel()

	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return m.connect(ctx)
}

// Shutdown closes the link, bounded by the configured shutdown timeout.
// Later connection attempts fail with ErrManagerClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	m.mu.Lock()
	m.closed = true
	c := m.client
	m.client, m.db, m.active = nil, nil, 0
	m.setStatusLocked(StateDisconnected, "")
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := c.Disconnect(ctx); err != nil {
		m.log.Error().Err(err).Msg("mongo disconnect failed")
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	m.log.Info().Msg("mongo connection closed")
	return nil
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return &domain.ConnectError{Reason: "timed out waiting for connection attempt", Err: ctx.Err()}
	}
	// The slot may be won just as the deadline passes.
	if err := ctx.Err(); err != nil {
		m.release()
		return &domain.ConnectError{Reason: "timed out waiting for connection attempt", Err: err}
	}
	return nil
}

func (m *Manager) release() { <-m.sem }

// connect must be called with sem held.
func (m *Manager) connect(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.gen++
	gen := m.gen
	m.setStatusLocked(StateConnecting, "")
	m.mu.Unlock()

	m.log.Info().
		Bool("has_uri", m.cfg.URI != "").
		Int("uri_length", len(m.cfg.URI)).
		Str("database", m.cfg.Database).
		Msg("mongo connection attempt started")

	if m.cfg.URI == "" {
		m.fail("missing connection URI", ErrMissingURI)
		return nil, ErrMissingURI
	}

	opts, err := m.clientOptions(gen)
	if err != nil {
		m.fail("invalid connection options", err)
		return nil, fmt.Errorf("mongo options: %w", err)
	}
	host := firstHost(opts.Hosts)

	// ctx already carries the caller's server selection deadline.
	c, err := m.dial(ctx, opts)
	if err == nil {
		if err = c.Ping(ctx, nil); err != nil {
			m.disconnect(ctx, c)
		}
	}
	if err != nil {
		reason := classify(err)
		m.fail(reason, err)
		metrics.MongoConnectAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, &domain.ConnectError{Reason: reason, Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.disconnect(ctx, c)
		return nil, ErrManagerClosed
	}
	old := m.client
	m.client = c
	m.db = c.Database(m.cfg.Database)
	m.host = host
	m.active = gen
	m.servers = make(map[string]bool)
	m.setStatusLocked(StateConnected, "")
	db := m.db
	m.mu.Unlock()

	if old != nil {
		m.disconnect(ctx, old)
	}

	metrics.MongoConnectAttemptsTotal.WithLabelValues("success").Inc()
	m.log.Info().
		Str("host", host).
		Str("database", m.cfg.Database).
		Str("state", StateConnected.String()).
		Msg("mongo connected")

	for _, hook := range m.hooks {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		if err := hook(hookCtx, db); err != nil {
			m.log.Warn().Err(err).Msg("mongo connect hook failed")
		}
		cancel()
	}

	return &Handle{Host: host, Database: m.cfg.Database, State: StateConnected}, nil
}

func (m *Manager) clientOptions(gen uint64) (*options.ClientOptions, error) {
	opts := options.Client().
		ApplyURI(m.cfg.URI).
		SetServerSelectionTimeout(m.cfg.ServerSelectionTimeout).
		SetSocketTimeout(m.cfg.SocketTimeout).
		SetRetryWrites(m.cfg.RetryWrites).
		SetServerMonitor(m.monitor(gen))

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Keep a TLS config supplied by the URI (CA files, client certs).
	if m.cfg.TLSRequired && opts.TLSConfig == nil {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	wc, err := parseWriteConcern(m.cfg.WriteConcern)
	if err != nil {
		return nil, err
	}
	if wc != nil {
		opts.SetWriteConcern(wc)
	}
	return opts, nil
}

// monitor translates driver heartbeats into link notifications. Events from
// a client that is not the installed one are dropped.
func (m *Manager) monitor(gen uint64) *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatSucceeded: func(e *event.ServerHeartbeatSucceededEvent) {
			m.onHeartbeat(gen, e.ConnectionID, nil)
		},
		ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
			m.onHeartbeat(gen, e.ConnectionID, e.Failure)
		},
		TopologyClosed: func(*event.TopologyClosedEvent) {
			m.onTopologyClosed(gen)
		},
	}
}

func (m *Manager) onHeartbeat(gen uint64, connID string, failure error) {
	server := serverAddr(connID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.active {
		return
	}

	m.servers[server] = failure == nil
	if failure == nil {
		if m.status.State != StateConnected {
			metrics.MongoLinkEventsTotal.WithLabelValues("connected").Inc()
			m.log.Info().Str("server", server).Str("host", m.host).Msg("mongo link restored")
			m.setStatusLocked(StateConnected, "")
		}
		return
	}

	for _, healthy := range m.servers {
		if healthy {
			return
		}
	}
	if m.status.State != StateError {
		metrics.MongoLinkEventsTotal.WithLabelValues("error").Inc()
		m.log.Warn().Err(failure).Str("server", server).Str("host", m.host).Msg("mongo link lost")
	}
	m.setStatusLocked(StateError, "link lost: "+classify(failure))
}

func (m *Manager) onTopologyClosed(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.active {
		return
	}
	metrics.MongoLinkEventsTotal.WithLabelValues("disconnected").Inc()
	m.log.Warn().Str("host", m.host).Msg("mongo disconnected")
	m.setStatusLocked(StateDisconnected, "")
}

func (m *Manager) fail(reason string, err error) {
	m.log.Error().Err(err).Str("reason", reason).Msg("mongo connection error")
	m.mu.Lock()
	m.setStatusLocked(StateError, reason)
	m.mu.Unlock()
}

func (m *Manager) disconnect(ctx context.Context, c client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		m.log.Warn().Err(err).Msg("mongo disconnect of stale client failed")
	}
}

// setStatusLocked must be called with mu held.
func (m *Manager) setStatusLocked(state State, reason string) {
	m.status = Status{State: state, Reason: reason, Since: time.Now().UTC()}
	metrics.MongoConnectionState.Set(float64(state))
}

// classify reduces a driver error to a short reason that is safe to expose.
func classify(err error) string {
	var cmdErr mongo.CommandError
	switch {
	case errors.As(err, &cmdErr) && cmdErr.Code == authenticationFailed:
		return "authentication failed"
	case strings.Contains(strings.ToLower(err.Error()), "auth error"),
		strings.Contains(strings.ToLower(err.Error()), "authentication failed"):
		return "authentication failed"
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return "timeout"
	case mongo.IsNetworkError(err):
		return "network error"
	default:
		return "connection failed"
	}
}

func parseWriteConcern(s string) (*writeconcern.WriteConcern, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, nil
	case strings.EqualFold(s, "majority"):
		return writeconcern.Majority(), nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return nil, fmt.Errorf("invalid write concern %q", s)
		}
		return &writeconcern.WriteConcern{W: n}, nil
	}
	return &writeconcern.WriteConcern{W: s}, nil
}

// serverAddr drops the "[-N]" connection suffix the driver appends to
// heartbeat connection ids.
func serverAddr(connID string) string {
	if i := strings.IndexByte(connID, '['); i > 0 {
		return connID[:i]
	}
	return connID
}

func firstHost(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	return hosts[0]
}
