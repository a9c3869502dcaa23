package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/auth"
	"github.com/allanbatista/mu-core-server/internal/config"
	"github.com/allanbatista/mu-core-server/internal/httputil"
	"github.com/allanbatista/mu-core-server/internal/ratelimit"
)

// AuthHandler serves login, logout, and QUIC handoff-token minting.
type AuthHandler struct {
	Config   *config.Config
	Accounts AccountStore
	Sessions SessionStore
	Tokens   TokenIssuer
	Limiter  *ratelimit.LoginLimiter
	Log      zerolog.Logger
}

// loginRequest is the JSON body for POST /login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenRequest is the JSON body for POST /auth/token: which character the logged-in account wants to take into
// which world.
type tokenRequest struct {
	CharacterID string `json:"character_id"`
	WorldID     uint16 `json:"world_id"`
}

// Login handles POST /login: verifies credentials, displaces any prior session for the account, and sets the
// session cookie.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	if h.Limiter != nil && !h.Limiter.Allow(c.IP()) {
		return httputil.Fail(c, apperr.HTTPStatus(apperr.RateLimitExceeded), apperr.RateLimitExceeded, "Too many login attempts")
	}

	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, "Invalid request body")
	}
	if err := auth.ValidateUsername(body.Username); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, err.Error())
	}
	if err := auth.ValidatePassword(body.Password); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, err.Error())
	}

	acct, err := h.Accounts.Authenticate(c.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			return httputil.Fail(c, apperr.HTTPStatus(apperr.InvalidCredentials), apperr.InvalidCredentials, "Invalid username or password")
		}
		return httputil.FailErr(c, apperr.Wrap(apperr.StorageUnavailable, err), "Login temporarily unavailable")
	}

	sessionID, err := h.Sessions.Create(c.Context(), acct.ID)
	if err != nil {
		return httputil.FailErr(c, apperr.Wrap(apperr.StorageUnavailable, err), "Login temporarily unavailable")
	}

	if err := h.Accounts.UpdateLastLogin(c.Context(), acct.ID); err != nil {
		h.Log.Warn().Err(err).Stringer("account_id", acct.ID).Msg("update last login failed")
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		HTTPOnly: true,
		Secure:   !h.Config.IsDevelopment(),
		SameSite: fiber.CookieSameSiteLaxMode,
		MaxAge:   int(h.Config.SessionExpiry.Seconds()),
	})

	return httputil.Success(c, fiber.Map{
		"account_id": acct.ID,
		"username":   acct.Username,
	})
}

// Logout handles POST /logout: deletes the session and clears the cookie. Idempotent; a missing or already-expired
// cookie still returns 200.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	if sid := c.Cookies(sessionCookie); sid != "" {
		if err := h.Sessions.Delete(c.Context(), sid); err != nil {
			h.Log.Warn().Err(err).Msg("delete session on logout failed")
		}
	}
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    "",
		HTTPOnly: true,
		Expires:  time.Unix(0, 0),
	})
	return httputil.Success(c, fiber.Map{"logged_out": true})
}

// IssueToken handles POST /auth/token: mints the single-use handoff token the client presents in ClientHello when
// opening its QUIC connection. The character must belong to the logged-in account.
func (h *AuthHandler) IssueToken(c fiber.Ctx) error {
	var body tokenRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, "Invalid request body")
	}

	characterID, err := uuid.Parse(body.CharacterID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Malformed, "character_id must be a UUID")
	}

	acctID := accountID(c)
	char, err := h.Accounts.CharacterByID(c.Context(), acctID, characterID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return httputil.Fail(c, apperr.HTTPStatus(apperr.Unauthorized), apperr.Unauthorized, "Character does not belong to this account")
		}
		return httputil.FailErr(c, apperr.Wrap(apperr.StorageUnavailable, err), "Token minting temporarily unavailable")
	}

	worldID := body.WorldID
	if worldID == 0 {
		worldID = char.WorldID
	}

	token, err := h.Tokens.Issue(acctID, characterID, worldID)
	if err != nil {
		return httputil.FailErr(c, apperr.Wrap(apperr.Internal, err), "Token minting failed")
	}

	return httputil.Success(c, fiber.Map{
		"auth_token": token,
		"gateway":    fmt.Sprintf("%s:%d", h.Config.GatewayHost, h.Config.GatewayPort),
		"expires_in": int(h.Config.AuthTokenTTL.Seconds()),
	})
}
