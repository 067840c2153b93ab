package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/helper"
	"school-chatbot/internal/models"
	"school-chatbot/internal/rag"
	"school-chatbot/internal/session"
	"school-chatbot/internal/tts"
)

const speechWarning = "음성 생성에 실패했습니다. 텍스트 답변만 표시됩니다."

type ChatHandler struct {
	bot        Chatbot
	speaker    Speaker
	sessions   *session.Store
	sessionTTL time.Duration
}

// NewChatHandler wires the chat endpoints. speaker may be nil when speech
// is disabled.
func NewChatHandler(bot Chatbot, speaker Speaker, sessions *session.Store, sessionTTL time.Duration) *ChatHandler {
	return &ChatHandler{
		bot:        bot,
		speaker:    speaker,
		sessions:   sessions,
		sessionTTL: sessionTTL,
	}
}

func (h *ChatHandler) HandleAsk(c *fiber.Ctx) error {
	var params AskParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}
	if err := h.sessions.Append(sess.ID, models.Message{Role: models.RoleUser, Text: params.Question}); err != nil {
		return err
	}

	resp := AskResponse{SessionID: sess.ID, Sources: []rag.Source{}}
	answer, err := h.bot.Answer(c.UserContext(), params.Question)
	if err != nil {
		resp.Answer = h.bot.Apology(err)
		resp.ErrorKind = string(rag.KindOf(err))
		log.Warn().Err(err).Str("session", sess.ID).Str("kind", resp.ErrorKind).Msg("Answer failed, replying with apology")
	} else {
		resp.Answer = answer.Text
		resp.Sources = answer.Sources
	}

	html, err := RenderMarkdown(resp.Answer)
	if err != nil {
		return err
	}
	resp.HTML = string(html)

	if err := h.sessions.Append(sess.ID, models.Message{Role: models.RoleAssistant, Text: resp.Answer}); err != nil {
		return err
	}

	// the previous answer's audio never outlives a new answer
	if err := h.sessions.SetAudio(sess.ID, nil); err != nil {
		return err
	}
	if params.Speak {
		audio, err := h.synthesize(c, resp.Answer)
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Speech synthesis failed")
			resp.Warning = speechWarning
		} else {
			resp.AudioBase64 = helper.EncodeAudioBase64(audio)
			resp.AudioURI = helper.AudioDataURI(audio)
			if err := h.sessions.SetAudio(sess.ID, audio); err != nil {
				return err
			}
		}
	}

	return c.JSON(resp)
}

func (h *ChatHandler) synthesize(c *fiber.Ctx, text string) ([]byte, error) {
	if h.speaker == nil {
		return nil, errors.New("speech synthesis is disabled")
	}
	return h.speaker.Speak(c.UserContext(), tts.PlainText(text))
}

func (h *ChatHandler) HandleSpeak(c *fiber.Ctx) error {
	var params SpeakParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}
	if h.speaker == nil {
		return ErrUnavailable("speech synthesis is disabled")
	}

	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}

	audio, err := h.synthesize(c, params.Text)
	if errors.Is(err, tts.ErrEmptyText) {
		return NewValidationError(map[string]string{"Text": "nothing to speak"})
	}
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("Speech synthesis failed")
		return NewError(fiber.StatusBadGateway, speechWarning)
	}
	if err := h.sessions.SetAudio(sess.ID, audio); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "audio/mpeg")
	return c.Send(audio)
}

func (h *ChatHandler) HandleAudio(c *fiber.Ctx) error {
	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}
	audio, ok := h.sessions.Audio(sess.ID)
	if !ok {
		return ErrNotFound("no audio for this session")
	}
	c.Set(fiber.HeaderContentType, "audio/mpeg")
	return c.Send(audio)
}

func (h *ChatHandler) HandleHistory(c *fiber.Ctx) error {
	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}
	return c.JSON(HistoryResponse{
		SessionID: sess.ID,
		Messages:  sess.Messages,
		HasAudio:  len(sess.LastAudio) > 0,
	})
}

func (h *ChatHandler) HandleReset(c *fiber.Ctx) error {
	sess, err := currentSession(c, h.sessions, h.sessionTTL)
	if err != nil {
		return err
	}
	if err := h.sessions.Reset(sess.ID); err != nil {
		return err
	}
	reset, _ := h.sessions.Get(sess.ID)
	return c.JSON(HistoryResponse{SessionID: reset.ID, Messages: reset.Messages})
}

func (h *ChatHandler) HandleVoices(c *fiber.Ctx) error {
	if h.speaker == nil {
		return ErrUnavailable("speech synthesis is disabled")
	}
	locale := strings.TrimSpace(c.Query("locale", "ko"))
	voices, err := h.speaker.Voices(c.UserContext(), locale)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list voices")
		return NewError(fiber.StatusBadGateway, "failed to list voices")
	}
	return c.JSON(voices)
}
