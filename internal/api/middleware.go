package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/httputil"
	"github.com/allanbatista/mu-core-server/internal/ratelimit"
	"github.com/allanbatista/mu-core-server/internal/session"
)

// sessionCookie is the cookie carrying the HTTP login session id.
const sessionCookie = "session_id"

// accountIDLocal is the Locals key RequireSession stores the resolved account id under.
const accountIDLocal = "account_id"

// RateLimit applies the sliding-window per-IP limiter to every request it wraps.
func RateLimit(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !limiter.Allow(c.IP()) {
			return httputil.Fail(c, apperr.HTTPStatus(apperr.RateLimitExceeded), apperr.RateLimitExceeded, "Too many requests")
		}
		return c.Next()
	}
}

// RequireSession validates the session cookie and stores the account id in Locals for the handler.
func RequireSession(sessions SessionStore) fiber.Handler {
	return func(c fiber.Ctx) error {
		sid := c.Cookies(sessionCookie)
		if sid == "" {
			return httputil.Fail(c, apperr.HTTPStatus(apperr.InvalidSession), apperr.InvalidSession, "No session cookie")
		}
		accountID, err := sessions.Load(c.Context(), sid)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return httputil.Fail(c, apperr.HTTPStatus(apperr.InvalidSession), apperr.InvalidSession, "Session expired or invalid")
			}
			return httputil.FailErr(c, apperr.Wrap(apperr.StorageUnavailable, err), "Session store unavailable")
		}
		c.Locals(accountIDLocal, accountID)
		return c.Next()
	}
}

// accountID reads the account id RequireSession stored for this request.
func accountID(c fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(accountIDLocal).(uuid.UUID)
	return id
}
