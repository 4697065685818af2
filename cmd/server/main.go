// @title          SiteCraft API
// @version        1.0
// @description    Account registration, login and session lookup for SiteCraft.
// @BasePath       /
//
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sitecraft/sitecraft-api/internal/api"
	"github.com/sitecraft/sitecraft-api/internal/core/service"
	mongostore "github.com/sitecraft/sitecraft-api/internal/infrastructure/db/mongo"
	redisstore "github.com/sitecraft/sitecraft-api/internal/infrastructure/db/redis"
	"github.com/sitecraft/sitecraft-api/internal/pkg/config"
	"github.com/sitecraft/sitecraft-api/pkg/logger"
)

const serviceName = "sitecraft-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		// The logger is not configured yet; report on stderr and exit.
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Error().Err(err).Msg("configuration error")
		os.Exit(1)
	}

	log := logger.Init(logger.OptionsFor(cfg.Env, cfg.LogLevel, serviceName))

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// --- MongoDB ---
	manager := mongostore.NewManager(mongostore.Config{
		URI:                    cfg.Mongo.URI,
		Database:               cfg.Mongo.Database,
		ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
		SocketTimeout:          cfg.Mongo.SocketTimeout,
		TLSRequired:            cfg.Mongo.TLSRequired,
		RetryWrites:            cfg.Mongo.RetryWrites,
		WriteConcern:           cfg.Mongo.WriteConcern,
		ShutdownTimeout:        cfg.ShutdownTimeout,
	}, log, mongostore.WithConnectHook(mongostore.EnsureUserIndexes))

	// --- Redis (optional login limiter) ---
	var rdb goredis.UniversalClient
	var authOpts []service.AuthOption
	if cfg.Redis.Addr != "" {
		client, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			log.Warn().Err(err).Msg("redis unreachable, login limiter fails open until it recovers")
		}
		defer client.Close()
		rdb = client
		authOpts = append(authOpts, service.WithLoginLimiter(
			redisstore.NewLoginLimiter(client, cfg.Redis.LoginMaxAttempts, cfg.Redis.LoginLockout),
		))
	}

	// --- Core ---
	tokens, err := service.NewTokenManager(
		[]byte(cfg.JWTSecret),
		cfg.Auth.TokenTTL,
		cfg.Auth.TokenLeeway,
		service.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return err
	}

	authOpts = append(authOpts,
		service.WithHashCost(cfg.Auth.BcryptCost),
		service.WithLogger(logger.Named("auth")),
	)
	authService := service.NewAuthService(mongostore.NewUserRepository(manager), manager, tokens, authOpts...)

	// --- HTTP ---
	e := api.NewRouter(api.Deps{
		AuthService: authService,
		Connection:  manager,
		Redis:       rdb,
		Log:         logger.Named("http"),
		Development: cfg.IsDevelopment(),
	})

	addr := net.JoinHostPort("", cfg.Port)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("http server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	bootCtx, cancelBoot := context.WithCancel(ctx)
	defer cancelBoot()
	bootDone := connectInBackground(bootCtx, manager, log)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
	}

	cancelBoot()
	<-bootDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo shutdown failed")
	}

	log.Info().Msg("server stopped")
	return runErr
}

type connector interface {
	Connect(ctx context.Context) (*mongostore.Handle, error)
}

// connectInBackground makes the first connection attempt without holding up
// the listener. An unreachable store at boot is not fatal; requests
// reconnect on demand. The returned channel closes once the attempt ends.
func connectInBackground(ctx context.Context, c connector, log zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Connect(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("initial mongo connection failed, serving in degraded mode")
		}
	}()
	return done
}
