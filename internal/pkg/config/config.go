package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ErrMissingSecret is returned when MONGODB_URI or JWT_SECRET is absent.
var ErrMissingSecret = errors.New("missing required secret")

// Error is a startup configuration failure. Unlike connectivity errors it is
// fatal: the process cannot serve anything meaningful without its secrets.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "config: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Port      string `env:"PORT,      default=5000"`
	Env       string `env:"ENV,       default=development"`
	LogLevel  string `env:"LOG_LEVEL, default=info"`
	JWTSecret string `env:"JWT_SECRET, required"`

	Auth  AuthConfig
	Mongo MongoConfig
	Redis RedisConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=10s"`
}

type AuthConfig struct {
	Issuer      string        `env:"JWT_ISSUER,   default=sitecraft-api"`
	TokenTTL    time.Duration `env:"TOKEN_TTL,    default=168h"`
	TokenLeeway time.Duration `env:"TOKEN_LEEWAY, default=0s"`
	BcryptCost  int           `env:"BCRYPT_COST,  default=10"`
}

type MongoConfig struct {
	URI                    string        `env:"MONGODB_URI, required"`
	Database               string        `env:"MONGODB_DB,  default=sitecraft"`
	ServerSelectionTimeout time.Duration `env:"MONGODB_SERVER_SELECTION_TIMEOUT, default=60s"`
	SocketTimeout          time.Duration `env:"MONGODB_SOCKET_TIMEOUT,           default=45s"`
	TLSRequired            bool          `env:"MONGODB_TLS,                      default=true"`
	RetryWrites            bool          `env:"MONGODB_RETRY_WRITES,             default=true"`
	WriteConcern           string        `env:"MONGODB_WRITE_CONCERN,            default=majority"`
}

// RedisConfig enables the login limiter when Addr is set.
type RedisConfig struct {
	Addr             string        `env:"REDIS_ADDR"`
	DB               int           `env:"REDIS_DB,           default=0"`
	LoginMaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS, default=5"`
	LoginLockout     time.Duration `env:"LOGIN_LOCKOUT,      default=15m"`
}

// IsDevelopment reports whether diagnostic details may reach clients.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration from the given lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		if errors.Is(err, envconfig.ErrMissingRequired) {
			return nil, &Error{Err: fmt.Errorf("%w: %w", ErrMissingSecret, err)}
		}
		return nil, &Error{Err: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, &Error{Err: err}
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%w: JWT_SECRET is empty", ErrMissingSecret)
	}
	if strings.TrimSpace(c.Mongo.URI) == "" {
		return fmt.Errorf("%w: MONGODB_URI is empty", ErrMissingSecret)
	}

	// Only the scheme is checked here; the driver parses the rest. Never echo
	// the URI, it may carry credentials.
	if !strings.HasPrefix(c.Mongo.URI, "mongodb://") && !strings.HasPrefix(c.Mongo.URI, "mongodb+srv://") {
		return errors.New("MONGODB_URI must use the mongodb:// or mongodb+srv:// scheme")
	}

	if c.Auth.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if c.Auth.TokenLeeway < 0 {
		return errors.New("TOKEN_LEEWAY must not be negative")
	}
	return nil
}
