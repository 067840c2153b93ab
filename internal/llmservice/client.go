package llmservice

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms/openai"

	"school-chatbot/internal/config"
	"school-chatbot/internal/helper"
)

// headerTransport adds the attribution headers OpenRouter uses to identify
// the calling application.
type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns the client shared by the chat model and the embedder.
// Timeouts are carried by the request context, not the client.
func NewHTTPClient(llmConfig *config.LLMConfig) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			referer: llmConfig.Referer,
			title:   llmConfig.Title,
		},
	}
}

// NewChatModel builds the OpenAI-compatible chat model for the configured
// endpoint.
func NewChatModel(llmConfig *config.LLMConfig, httpClient *http.Client) (*openai.LLM, error) {
	if httpClient == nil {
		httpClient = NewHTTPClient(llmConfig)
	}

	log.Debug().
		Str("base_url", llmConfig.BaseURL).
		Str("model", llmConfig.Model).
		Str("key", helper.MaskKey(llmConfig.Key)).
		Msg("Creating chat model")

	llm, err := openai.New(
		openai.WithBaseURL(llmConfig.BaseURL),
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithModel(llmConfig.Model),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return llm, nil
}
