package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"school-chatbot/internal/config"
	"school-chatbot/internal/helper"
	"school-chatbot/internal/models"
)

const defaultBatchSize = 64

// NewEmbedder creates an embedder for the configured OpenAI-compatible endpoint.
func NewEmbedder(llmConfig *config.LLMConfig, batchSize int, httpClient *http.Client) (*embeddings.EmbedderImpl, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"key":             helper.MaskKey(llmConfig.Key),
		"embedding_model": llmConfig.EmbeddingModel,
	}).Msg("Creating embedder")

	opts := []openai.Option{
		openai.WithBaseURL(llmConfig.BaseURL),
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithEmbeddingModel(llmConfig.EmbeddingModel),
	}
	if httpClient != nil {
		opts = append(opts, openai.WithHTTPClient(httpClient))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// EmbedChunks produces one vector per chunk, in order.
func EmbedChunks(ctx context.Context, embedder embeddings.Embedder, chunks []models.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		log.Info().Msg("No chunks to embed")
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	log.Info().Int("chunks", len(chunks)).Int("dimensions", len(vectors[0])).Msg("Embedded chunks")
	return vectors, nil
}

// EmbeddingFunc adapts a langchaingo embedder to the function chromem-go
// calls for documents added without a vector.
func EmbeddingFunc(embedder embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
}
