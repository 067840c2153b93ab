package api

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/config"
)

const adminTokenHeader = "X-Admin-Token"

type AdminHandler struct {
	bot        Chatbot
	adminToken string
}

// NewAdminHandler guards index refresh with token. An empty token disables
// the endpoint.
func NewAdminHandler(bot Chatbot, token string) *AdminHandler {
	return &AdminHandler{bot: bot, adminToken: token}
}

func (h *AdminHandler) HandleRefresh(c *fiber.Ctx) error {
	if h.adminToken == "" {
		return ErrNotFound("refresh is disabled")
	}
	given := c.Get(adminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.adminToken)) != 1 {
		return ErrUnAuthorized("invalid admin token")
	}

	n, err := h.bot.Refresh(c.UserContext())
	if err != nil {
		if config.IsConfigError(err) {
			return NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return err
	}
	log.Info().Int("chunks", n).Msg("Index refreshed via API")
	return c.JSON(RefreshResponse{Chunks: n})
}
