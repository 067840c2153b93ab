package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

type CheckHandler struct {
	bot Chatbot
}

func NewCheckHandler(bot Chatbot) *CheckHandler {
	return &CheckHandler{bot: bot}
}

func (h CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"result":   "ok",
		"chunks":   h.bot.Len(),
		"built_at": h.bot.BuiltAt().Format(time.RFC3339),
	})
}
