package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/httputil"
)

// CharacterHandler serves the logged-in account's character roster.
type CharacterHandler struct {
	Accounts AccountStore
}

// characterView is the JSON shape of one roster entry.
type characterView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level uint32 `json:"level"`
	Class string `json:"class"`
}

// List handles GET /characters.
func (h *CharacterHandler) List(c fiber.Ctx) error {
	chars, err := h.Accounts.CharactersByAccount(c.Context(), accountID(c))
	if err != nil {
		return httputil.FailErr(c, apperr.Wrap(apperr.StorageUnavailable, err), "Character listing temporarily unavailable")
	}

	views := make([]characterView, 0, len(chars))
	for _, ch := range chars {
		views = append(views, characterView{
			ID:    ch.ID.String(),
			Name:  ch.Name,
			Level: ch.Level,
			Class: ch.Class,
		})
	}
	return httputil.Success(c, views)
}
