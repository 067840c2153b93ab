package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/config"
)

// Voice is one entry of the Edge voice list.
type Voice struct {
	Name           string `json:"Name"`
	ShortName      string `json:"ShortName"`
	Gender         string `json:"Gender"`
	Locale         string `json:"Locale"`
	SuggestedCodec string `json:"SuggestedCodec"`
	FriendlyName   string `json:"FriendlyName"`
	Status         string `json:"Status"`
}

// Client synthesizes speech with the Microsoft Edge read-aloud service.
// Every call is a single attempt.
type Client struct {
	cfg        config.TTSConfig
	voice      string
	wssURL     string
	voicesURL  string
	dialer     *websocket.Dialer
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

// WithEndpoints points the client at another synthesis websocket and voice
// list URL.
func WithEndpoints(wssURL, voicesURL string) Option {
	return func(c *Client) {
		c.wssURL = wssURL
		c.voicesURL = voicesURL
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(cfg *config.TTSConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        *cfg,
		voice:      voiceName(cfg.Voice),
		wssURL:     defaultWSSURL,
		voicesURL:  defaultVoicesURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speak returns the MP3 rendition of text. Blank text is ErrEmptyText.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	parts := splitText(escapeText(removeIncompatibleChars(text)), maxMessageSize)

	var audio bytes.Buffer
	for i, part := range parts {
		data, err := c.synthesize(ctx, part)
		if err != nil {
			return nil, fmt.Errorf("failed to synthesize part %d/%d: %w", i+1, len(parts), err)
		}
		audio.Write(data)
	}

	log.Info().
		Str("voice", c.cfg.Voice).
		Int("parts", len(parts)).
		Int("bytes", audio.Len()).
		Dur("took", time.Since(start)).
		Msg("Synthesized speech")
	return audio.Bytes(), nil
}

// SpeakToFile synthesizes text and writes the MP3 to path.
func (c *Client) SpeakToFile(ctx context.Context, text, path string) error {
	audio, err := c.Speak(ctx, text)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}
	return nil
}

// Voices lists the available voices whose locale starts with localePrefix,
// sorted by short name. An empty prefix returns every voice.
func (c *Client) Voices(ctx context.Context, localePrefix string) ([]Voice, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	u, err := url.Parse(c.voicesURL)
	if err != nil {
		return nil, fmt.Errorf("invalid voices endpoint: %w", err)
	}
	q := u.Query()
	q.Set("trustedclienttoken", trustedClientToken)
	q.Set("Sec-MS-GEC", secMSGEC(c.now()))
	q.Set("Sec-MS-GEC-Version", secMSGECVersion)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range edgeHeaders() {
		req.Header[key] = values
	}
	req.Header.Set("Authority", "speech.platform.bing.com")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to list voices: %d, %s", resp.StatusCode, string(body))
	}

	var voices []Voice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("failed to decode voice list: %w", err)
	}

	prefix := strings.ToLower(localePrefix)
	filtered := voices[:0]
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Locale), prefix) {
			filtered = append(filtered, v)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ShortName < filtered[j].ShortName })
	return filtered, nil
}
