package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-chatbot/internal/api"
	"school-chatbot/internal/config"
	"school-chatbot/internal/helper"
	"school-chatbot/internal/models"
	"school-chatbot/internal/rag"
	"school-chatbot/internal/session"
	"school-chatbot/internal/tts"
)

type fakeBot struct {
	answer     *rag.Answer
	err        error
	chunks     int
	refreshErr error
	refreshed  int
	builtAt    time.Time
}

func (b *fakeBot) Answer(_ context.Context, question string) (*rag.Answer, error) {
	if b.err != nil {
		return nil, b.err
	}
	a := *b.answer
	a.Question = question
	return &a, nil
}

func (b *fakeBot) Apology(err error) string {
	var ragErr *rag.Error
	if errors.As(err, &ragErr) {
		err = ragErr.Err
	}
	return models.ApologyMessage(err.Error(), "02-2252-1932")
}

func (b *fakeBot) Len() int { return b.chunks }

func (b *fakeBot) BuiltAt() time.Time { return b.builtAt }

func (b *fakeBot) Refresh(context.Context) (int, error) {
	if b.refreshErr != nil {
		return 0, b.refreshErr
	}
	b.refreshed++
	return b.chunks + 1, nil
}

type fakeSpeaker struct {
	audio []byte
	err   error
	texts []string
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) ([]byte, error) {
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

func (s *fakeSpeaker) Voices(context.Context, string) ([]tts.Voice, error) {
	return []tts.Voice{{ShortName: "ko-KR-SunHiNeural", Locale: "ko-KR"}}, nil
}

func testServerConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Addr: ":0", SessionTTL: time.Hour, AdminToken: "secret"},
		LLM:    config.LLMConfig{Timeout: time.Second},
		TTS:    config.TTSConfig{Timeout: time.Second},
		Avatar: config.AvatarConfig{ModelURL: "https://example.com/avatar.vrm"},
		School: config.DefaultSchool(),
	}
}

func phoneBot() *fakeBot {
	return &fakeBot{
		chunks: 4,
		answer: &rag.Answer{
			Text:    "학교 **전화번호**는 02-2252-1932 입니다.",
			Sources: []rag.Source{{File: "school.pdf", Page: 1, ChunkID: 1, Similarity: 0.9}},
		},
	}
}

func newTestServer(bot api.Chatbot, speaker api.Speaker) *Server {
	return NewServer(testServerConfig(), bot, speaker, session.NewStore(""))
}

func do(t *testing.T, s *Server, method, path, body string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			return c
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func TestHealthy(t *testing.T) {
	bot := phoneBot()
	bot.builtAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := newTestServer(bot, nil)
	resp := do(t, s, http.MethodGet, "/check/healthy", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["result"])
	assert.Equal(t, float64(4), body["chunks"])
	assert.Equal(t, "2026-03-02T09:00:00Z", body["built_at"])
}

func TestAsk_WithSpeech(t *testing.T) {
	speaker := &fakeSpeaker{audio: []byte{0xff, 0xfb, 0x90}}
	s := newTestServer(phoneBot(), speaker)

	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"학교 전화번호는?","speak":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(t, resp)
	body := decode[api.AskResponse](t, resp)

	assert.Contains(t, body.Answer, "02-2252-1932")
	assert.Contains(t, body.HTML, "<strong>전화번호</strong>")
	assert.Empty(t, body.ErrorKind)
	assert.Empty(t, body.Warning)
	require.Len(t, body.Sources, 1)

	audio, err := helper.DecodeAudioBase64(body.AudioBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfb, 0x90}, audio)
	assert.Equal(t, helper.AudioDataURI(audio), body.AudioURI)
	require.Len(t, speaker.texts, 1)
	assert.NotContains(t, speaker.texts[0], "**", "markdown is stripped before speaking")

	resp = do(t, s, http.MethodGet, "/api/v1/audio", "", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, audio, got)

	resp = do(t, s, http.MethodGet, "/api/v1/history", "", cookie)
	history := decode[api.HistoryResponse](t, resp)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, models.RoleUser, history.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, history.Messages[1].Role)
	assert.True(t, history.HasAudio)
}

func TestAsk_ChainFailureBecomesApology(t *testing.T) {
	bot := &fakeBot{err: &rag.Error{Kind: rag.KindQuota, Err: errors.New("429 Too Many Requests")}}
	s := newTestServer(bot, nil)

	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"학교 전화번호는?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.AskResponse](t, resp)

	assert.Contains(t, body.Answer, "02-2252-1932")
	assert.Contains(t, body.Answer, "429 Too Many Requests")
	assert.Equal(t, "quota", body.ErrorKind)
}

func TestAsk_SpeechFailureIsWarning(t *testing.T) {
	s := newTestServer(phoneBot(), &fakeSpeaker{err: errors.New("websocket: bad handshake")})

	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"학교 전화번호는?","speak":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(t, resp)
	body := decode[api.AskResponse](t, resp)

	assert.Contains(t, body.Answer, "02-2252-1932")
	assert.NotEmpty(t, body.Warning)
	assert.Empty(t, body.AudioBase64)
	assert.Empty(t, body.AudioURI)

	resp = do(t, s, http.MethodGet, "/api/v1/audio", "", cookie)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAsk_SpeechDisabledIsWarning(t *testing.T) {
	s := newTestServer(phoneBot(), nil)
	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"hi","speak":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.AskResponse](t, resp)
	assert.NotEmpty(t, body.Warning)
}

func TestAsk_NewAnswerDropsOldAudio(t *testing.T) {
	s := newTestServer(phoneBot(), &fakeSpeaker{audio: []byte{1}})

	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"q1","speak":true}`)
	cookie := sessionCookie(t, resp)
	resp.Body.Close()

	resp = do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"q2","speak":false}`, cookie)
	resp.Body.Close()

	resp = do(t, s, http.MethodGet, "/api/v1/audio", "", cookie)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAsk_Validation(t *testing.T) {
	s := newTestServer(phoneBot(), nil)

	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[api.ValidationError](t, resp)
	assert.Contains(t, body.Errors, "Question")

	resp = do(t, s, http.MethodPost, "/api/v1/ask", `{"question":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"`+strings.Repeat("가", 2001)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSpeak(t *testing.T) {
	s := newTestServer(phoneBot(), &fakeSpeaker{audio: []byte{9, 9}})
	resp := do(t, s, http.MethodPost, "/api/v1/speak", `{"text":"안녕하세요"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, []byte{9, 9}, got)

	disabled := newTestServer(phoneBot(), nil)
	resp = do(t, disabled, http.MethodPost, "/api/v1/speak", `{"text":"안녕하세요"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	failing := newTestServer(phoneBot(), &fakeSpeaker{err: errors.New("boom")})
	resp = do(t, failing, http.MethodPost, "/api/v1/speak", `{"text":"안녕하세요"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestReset(t *testing.T) {
	s := newTestServer(phoneBot(), &fakeSpeaker{audio: []byte{1}})
	resp := do(t, s, http.MethodPost, "/api/v1/ask", `{"question":"q","speak":true}`)
	cookie := sessionCookie(t, resp)
	resp.Body.Close()

	resp = do(t, s, http.MethodPost, "/api/v1/reset", "", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.HistoryResponse](t, resp)
	assert.Equal(t, cookie.Value, body.SessionID)
	assert.Empty(t, body.Messages)

	resp = do(t, s, http.MethodGet, "/api/v1/audio", "", cookie)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefresh(t *testing.T) {
	bot := phoneBot()
	s := newTestServer(bot, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil)
	req.Header.Set("X-Admin-Token", "secret")
	resp, err = s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, decode[api.RefreshResponse](t, resp).Chunks)
	assert.Equal(t, 1, bot.refreshed)

	bot.refreshErr = &config.Error{Field: "rag.docs_path", Msg: "no documents"}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil)
	req.Header.Set("X-Admin-Token", "secret")
	resp, err = s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRefresh_DisabledWithoutToken(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.AdminToken = ""
	s := NewServer(cfg, phoneBot(), nil, session.NewStore(""))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil)
	req.Header.Set("X-Admin-Token", "")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVoices(t *testing.T) {
	s := newTestServer(phoneBot(), &fakeSpeaker{})
	resp := do(t, s, http.MethodGet, "/api/v1/voices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	voices := decode[[]tts.Voice](t, resp)
	require.Len(t, voices, 1)
	assert.Equal(t, "ko-KR-SunHiNeural", voices[0].ShortName)
}

func TestPages(t *testing.T) {
	store := session.NewStore(models.WelcomeMessage("성동글로벌경영고등학교"))
	s := NewServer(testServerConfig(), phoneBot(), &fakeSpeaker{audio: []byte{1}}, store)

	resp := do(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "성동글로벌경영고등학교")
	assert.Contains(t, string(page), "start-speaking")
	assert.Contains(t, string(page), `src="/avatar"`)

	resp = do(t, s, http.MethodGet, "/avatar", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	avatar, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(avatar), "example.com")
	assert.Contains(t, string(avatar), "PerspectiveCamera(30")
	assert.Contains(t, string(avatar), `setValue("aa", 0)`)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(phoneBot(), nil)
	resp := do(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[api.Error](t, resp)
	assert.Equal(t, http.StatusNotFound, body.Code)
}
