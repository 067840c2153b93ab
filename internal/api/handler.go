package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/rag"
	"school-chatbot/internal/session"
	"school-chatbot/internal/tts"
)

const sessionCookie = "session_id"

// Chatbot answers questions from the document index.
type Chatbot interface {
	Answer(ctx context.Context, question string) (*rag.Answer, error)
	Apology(err error) string
	Len() int
	BuiltAt() time.Time
	Refresh(ctx context.Context) (int, error)
}

// Speaker turns answers into MP3.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
	Voices(ctx context.Context, localePrefix string) ([]tts.Voice, error)
}

// currentSession resolves the caller's session from its cookie, creating one
// when needed, and refreshes the cookie.
func currentSession(c *fiber.Ctx, store *session.Store, ttl time.Duration) (*session.Session, error) {
	sess, err := store.GetOrCreate(c.Cookies(sessionCookie))
	if err != nil {
		return nil, err
	}
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	log.Debug().Str("session", sess.ID).Msg("Resolved session")
	return sess, nil
}
