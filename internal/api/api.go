// Package api implements the HTTP control plane: login/logout and auth-token minting, character listing, the
// directory views, heartbeat ingestion, and the runtime telemetry endpoints, all on Fiber:
// one handler struct per concern, wired centrally.
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/config"
	"github.com/allanbatista/mu-core-server/internal/directory"
	"github.com/allanbatista/mu-core-server/internal/httputil"
	"github.com/allanbatista/mu-core-server/internal/mapserver"
	"github.com/allanbatista/mu-core-server/internal/persistence"
	"github.com/allanbatista/mu-core-server/internal/ratelimit"
	"github.com/allanbatista/mu-core-server/internal/runtime"
)

// AccountStore is the slice of the account repository the control plane needs.
type AccountStore interface {
	Authenticate(ctx context.Context, username, password string) (*account.Account, error)
	UpdateLastLogin(ctx context.Context, accountID uuid.UUID) error
	CharactersByAccount(ctx context.Context, accountID uuid.UUID) ([]account.Character, error)
	CharacterByID(ctx context.Context, accountID, characterID uuid.UUID) (*account.Character, error)
}

// SessionStore is the cookie-session lifecycle the login/logout handlers drive.
type SessionStore interface {
	Create(ctx context.Context, accountID uuid.UUID) (string, error)
	Load(ctx context.Context, sessionID string) (uuid.UUID, error)
	Delete(ctx context.Context, sessionID string) error
}

// TokenIssuer mints the single-use QUIC handoff tokens, implemented by *authtoken.Service.
type TokenIssuer interface {
	Issue(accountID, characterID uuid.UUID, worldID uint16) (string, error)
}

// Runtime is the read-only telemetry surface of the runtime supervisor.
type Runtime interface {
	DirectorySnapshot() runtime.DirectorySnapshot
	MapStats() []mapserver.MapServerStats
	PersistenceMetrics() persistence.Metrics
	RuntimeStats() runtime.Stats
}

// Pinger reports a backing store's reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles everything NewApp wires into the route table.
type Deps struct {
	Config       *config.Config
	Accounts     AccountStore
	Sessions     SessionStore
	Tokens       TokenIssuer
	Runtime      Runtime
	Directory    *directory.Directory
	Limiter      *ratelimit.Limiter
	LoginLimiter *ratelimit.LoginLimiter
	Postgres     Pinger
	Valkey       Pinger
	Log          zerolog.Logger
}

// NewApp builds the control-plane Fiber application with all routes and middleware registered.
func NewApp(deps Deps) *fiber.App {
	log := deps.Log.With().Str("component", "api").Logger()

	app := fiber.New(fiber.Config{
		AppName: "mu-core-server",
		// ErrorHandler catches errors handlers did not already map to structured responses (e.g. Fiber's built-in
		// 404/405) and anything that slipped through as a bare apperr.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				kind := apperr.Internal
				if fiberErr.Code == fiber.StatusNotFound || fiberErr.Code == fiber.StatusMethodNotAllowed {
					kind = apperr.Malformed
				}
				return httputil.Fail(c, fiberErr.Code, kind, fiberErr.Message)
			}
			log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			return httputil.FailErr(c, err, "An internal error occurred")
		},
	})

	app.Use(requestid.New())
	if deps.Config.LogHealthRequests {
		app.Use(httputil.RequestLogger(log))
	} else {
		app.Use(httputil.RequestLogger(log, "/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(deps.Config.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(RateLimit(deps.Limiter))

	requireSession := RequireSession(deps.Sessions)

	authHandler := &AuthHandler{
		Config:   deps.Config,
		Accounts: deps.Accounts,
		Sessions: deps.Sessions,
		Tokens:   deps.Tokens,
		Limiter:  deps.LoginLimiter,
		Log:      log,
	}
	app.Post("/login", authHandler.Login)
	app.Post("/logout", authHandler.Logout)
	app.Post("/auth/token", requireSession, authHandler.IssueToken)

	charHandler := &CharacterHandler{Accounts: deps.Accounts}
	app.Get("/characters", requireSession, charHandler.List)

	dirHandler := &DirectoryHandler{Directory: deps.Directory}
	app.Get("/servers", dirHandler.Servers)
	app.Get("/worlds", dirHandler.Worlds)
	app.Post("/heartbeat", dirHandler.Heartbeat)

	runtimeHandler := &RuntimeHandler{Runtime: deps.Runtime}
	app.Get("/runtime/worlds", runtimeHandler.Worlds)
	app.Get("/runtime/maps", runtimeHandler.Maps)
	app.Get("/runtime/persistence", runtimeHandler.Persistence)
	app.Get("/runtime/stats", runtimeHandler.Stats)

	healthHandler := &HealthHandler{
		Runtime:   deps.Runtime,
		Directory: deps.Directory,
		Postgres:  deps.Postgres,
		Valkey:    deps.Valkey,
	}
	app.Get("/health", healthHandler.Health)

	return app
}
