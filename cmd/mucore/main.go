package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/api"
	"github.com/allanbatista/mu-core-server/internal/authtoken"
	"github.com/allanbatista/mu-core-server/internal/config"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/gateway"
	"github.com/allanbatista/mu-core-server/internal/postgres"
	"github.com/allanbatista/mu-core-server/internal/ratelimit"
	"github.com/allanbatista/mu-core-server/internal/runtime"
	"github.com/allanbatista/mu-core-server/internal/session"
	"github.com/allanbatista/mu-core-server/internal/valkey"

	"github.com/gofiber/fiber/v3"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const valkeyDialTimeout = 5 * time.Second

// shutdownTimeout bounds the whole graceful shutdown sequence: map drains, connection drains, the final
// persistence flush, and the HTTP server's in-flight requests.
const shutdownTimeout = 30 * time.Second

// valkeyPinger adapts go-redis's Ping to the api.Pinger shape.
type valkeyPinger struct {
	rdb *redis.Client
}

func (p valkeyPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting MU Core Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// World topology
	topology, err := directory.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load world topology: %w", err)
	}

	accounts := account.NewRepository(db, log.Logger)

	// Auth-token service. The nonce LRU is gateway-local by default; a multi-gateway deployment swaps in the
	// Valkey-backed store so a token cannot be redeemed once per gateway instance.
	tokens := authtoken.NewService(cfg.AuthTokenSecret, cfg.AuthTokenTTL, authtoken.NewMemoryNonceStore())

	// Boot the simulation runtime: directory, map instances, hub, persistence.
	rt, err := runtime.Bootstrap(ctx, topology, runtime.Deps{Store: accounts}, log.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap runtime: %w", err)
	}

	// QUIC gateway
	tlsConf, err := gateway.TLSConfig(cfg.GatewayTLSCert, cfg.GatewayTLSKey)
	if err != nil {
		return fmt.Errorf("gateway tls: %w", err)
	}
	if cfg.GatewayTLSCert == "" {
		log.Warn().Msg("No gateway TLS certificate configured, using an ephemeral self-signed certificate")
	}
	gw := gateway.New(rt, tokens, accounts, log.Logger)
	gatewayAddr := fmt.Sprintf("%s:%d", cfg.GatewayHost, cfg.GatewayPort)
	if err := gw.Listen(gatewayAddr, tlsConf, nil); err != nil {
		return fmt.Errorf("gateway listen on %s: %w", gatewayAddr, err)
	}
	rt.AttachGateway(gw, gw)
	go runtime.RunWithBackoff(ctx, log.Logger, "gateway-accept", gw.Serve)

	// HTTP sessions and rate limiting
	sessions := session.NewHTTPStore(rdb, cfg.SessionExpiry)
	limiter := ratelimit.NewLimiter(cfg.RateLimitRequests, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)
	loginLimiter := ratelimit.NewLoginLimiter(rate.Every(2*time.Second), 5)
	go loginLimiter.Run(ctx.Done())

	// Periodic maintenance: rate-bucket sweeps, stale-heartbeat sweeps, and the self-heartbeat that keeps the
	// directory's liveness view current for the in-process map instances.
	scheduler := runtime.NewScheduler(log.Logger)
	scheduler.Add("rate-bucket-sweep", 5*time.Minute, func(context.Context) {
		limiter.Sweep(time.Now())
	})
	scheduler.Add("stale-heartbeat-sweep", 10*time.Second, func(context.Context) {
		if removed := rt.Directory().SweepStaleHeartbeats(); removed > 0 {
			log.Info().Int("removed", removed).Msg("stale heartbeats swept")
		}
	})
	scheduler.Add("self-heartbeat", 10*time.Second, func(context.Context) {
		for _, stats := range rt.MapStats() {
			if !stats.Closed {
				rt.Directory().RecordHeartbeat(stats.Route, uint32(stats.PlayerCount))
			}
		}
	})
	go runtime.RunWithBackoff(ctx, log.Logger, "scheduler", scheduler.Run)

	// HTTP control plane
	app := api.NewApp(api.Deps{
		Config:       cfg,
		Accounts:     accounts,
		Sessions:     sessions,
		Tokens:       tokens,
		Runtime:      rt,
		Directory:    rt.Directory(),
		Limiter:      limiter,
		LoginLimiter: loginLimiter,
		Postgres:     db,
		Valkey:       valkeyPinger{rdb: rdb},
		Log:          log.Logger,
	})

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Runtime shutdown error")
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	log.Info().Str("http_addr", addr).Str("gateway_addr", gw.Addr()).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
