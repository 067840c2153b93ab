package server

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/api"
	"school-chatbot/internal/config"
	"school-chatbot/internal/session"
)

type Server struct {
	listenAddr string
	app        *fiber.App
}

// NewServer builds the HTTP app from already constructed dependencies.
// speaker is nil when speech is disabled.
func NewServer(cfg *config.Config, bot api.Chatbot, speaker api.Speaker, sessions *session.Store) *Server {
	var (
		app = fiber.New(fiber.Config{
			ErrorHandler:          api.ErrorHandler,
			DisableStartupMessage: true,
			// generation can take up to llm.timeout
			WriteTimeout: cfg.LLM.Timeout + cfg.TTS.Timeout,
		})
		checkHandler = api.NewCheckHandler(bot)
		chatHandler  = api.NewChatHandler(bot, speaker, sessions, cfg.Server.SessionTTL)
		adminHandler = api.NewAdminHandler(bot, cfg.Server.AdminToken)
		pageHandler  = api.NewPageHandler(cfg, sessions, speaker != nil)
		check        = app.Group("/check")
		apiv1        = app.Group("/api/v1")
	)

	app.Use(AccessLog())

	app.Get("/", pageHandler.HandleChat)
	app.Get("/avatar", pageHandler.HandleAvatar)

	check.Get("/healthy", checkHandler.HandleHealthy)

	apiv1.Post("/ask", chatHandler.HandleAsk)
	apiv1.Post("/speak", chatHandler.HandleSpeak)
	apiv1.Get("/audio", chatHandler.HandleAudio)
	apiv1.Get("/history", chatHandler.HandleHistory)
	apiv1.Post("/reset", chatHandler.HandleReset)
	apiv1.Get("/voices", chatHandler.HandleVoices)
	apiv1.Post("/refresh", adminHandler.HandleRefresh)

	return &Server{listenAddr: cfg.Server.Addr, app: app}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Run blocks until the server stops.
func (s *Server) Run() error {
	log.Info().Str("addr", s.listenAddr).Msg("Starting server")
	return s.app.Listen(s.listenAddr)
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	log.Info().Msg("Server stopped")
	return err
}
