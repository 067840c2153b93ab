package api

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/config"
	"school-chatbot/internal/models"
	"school-chatbot/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))

type renderedMessage struct {
	Role models.Role
	Text string
	HTML template.HTML
}

type chatPage struct {
	School       config.SchoolConfig
	Messages     []renderedMessage
	HasAudio     bool
	AvatarURL    string
	SpeakDefault bool
}

type avatarPage struct {
	ModelURL string
}

type PageHandler struct {
	cfg        *config.Config
	sessions   *session.Store
	speech     bool
	sessionTTL time.Duration
}

func NewPageHandler(cfg *config.Config, sessions *session.Store, speech bool) *PageHandler {
	return &PageHandler{cfg: cfg, sessions: sessions, speech: speech, sessionTTL: cfg.Server.SessionTTL}
}

// HandleChat renders the conversation of the caller's session.
func (h *PageHandler) HandleChat(c *fiber.Ctx) error {
	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}

	data := chatPage{
		School:       h.cfg.School,
		HasAudio:     len(sess.LastAudio) > 0,
		AvatarURL:    "/avatar",
		SpeakDefault: h.speech,
	}
	for _, msg := range sess.Messages {
		rendered := renderedMessage{Role: msg.Role, Text: msg.Text}
		if msg.Role == models.RoleAssistant {
			html, err := RenderMarkdown(msg.Text)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to render message")
			}
			rendered.HTML = html
		}
		data.Messages = append(data.Messages, rendered)
	}
	return render(c, "chat.html", data)
}

// HandleAvatar renders the 3D avatar viewer embedded by the chat page.
func (h *PageHandler) HandleAvatar(c *fiber.Ctx) error {
	return render(c, "avatar.html", avatarPage{ModelURL: h.cfg.Avatar.ModelURL})
}

func render(c *fiber.Ctx, name string, data any) error {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(buf.Bytes())
}
