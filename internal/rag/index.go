package rag

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"

	"school-chatbot/internal/chromemdb"
	"school-chatbot/internal/config"
	"school-chatbot/internal/embedding"
	"school-chatbot/internal/models"
	"school-chatbot/internal/parser"
)

// Index is an immutable set of embedded document chunks. A new Index is
// built for every refresh; an existing one is never modified.
type Index struct {
	store    *chromemdb.VectorDBManager
	embedder embeddings.Embedder
	builtAt  time.Time
}

// BuildIndex reads the document folder, embeds every chunk and loads them
// into a fresh vector collection. A snapshot is exported when configured.
func BuildIndex(ctx context.Context, cfg *config.RAGConfig, embedder embeddings.Embedder) (*Index, error) {
	start := time.Now()

	chunks, err := parser.LoadFolder(cfg.DocsPath, cfg)
	if err != nil {
		return nil, err
	}

	vectors, err := embedding.EmbedChunks(ctx, embedder, chunks)
	if err != nil {
		return nil, err
	}

	store, err := chromemdb.NewVectorDBManager(cfg.CollectionName, embedding.EmbeddingFunc(embedder))
	if err != nil {
		return nil, err
	}
	if err := store.AddChunks(ctx, chunks, vectors); err != nil {
		return nil, err
	}

	if cfg.SnapshotPath != "" {
		if err := store.Export(cfg.SnapshotPath, cfg.EncryptionKey); err != nil {
			log.Warn().Err(err).Str("file", cfg.SnapshotPath).Msg("Failed to export index snapshot")
		} else {
			log.Info().Str("file", cfg.SnapshotPath).Msg("Exported index snapshot")
		}
	}

	log.Info().
		Int("chunks", store.Count()).
		Dur("took", time.Since(start)).
		Msg("Built document index")

	return &Index{store: store, embedder: embedder, builtAt: time.Now()}, nil
}

// LoadIndex restores an index from a snapshot written by BuildIndex.
func LoadIndex(cfg *config.RAGConfig, embedder embeddings.Embedder) (*Index, error) {
	store, err := chromemdb.ImportVectorDBManager(cfg.SnapshotPath, cfg.EncryptionKey, cfg.CollectionName, embedding.EmbeddingFunc(embedder))
	if err != nil {
		return nil, err
	}
	if store.Count() == 0 {
		return nil, &config.Error{Field: "rag.snapshot_path", Msg: "snapshot contains no chunks"}
	}
	log.Info().Int("chunks", store.Count()).Str("file", cfg.SnapshotPath).Msg("Loaded document index snapshot")
	return &Index{store: store, embedder: embedder, builtAt: time.Now()}, nil
}

func (i *Index) Len() int { return i.store.Count() }

func (i *Index) BuiltAt() time.Time { return i.builtAt }

// Search embeds the question and returns the k nearest chunks, best first.
func (i *Index) Search(ctx context.Context, question string, k int) ([]schema.Document, error) {
	vector, err := i.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	results, err := i.store.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	docs := make([]schema.Document, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for key, value := range r.Metadata {
			metadata[key] = value
		}
		docs = append(docs, schema.Document{
			PageContent: r.Content,
			Metadata:    metadata,
			Score:       r.Similarity,
		})
	}
	return docs, nil
}

// Retriever feeds the current index to the retrieval chain and never returns
// more than k documents.
type Retriever struct {
	current func() *Index
	k       int
}

var _ schema.Retriever = Retriever{}

func NewRetriever(current func() *Index, k int) Retriever {
	if k <= 0 {
		k = 3
	}
	return Retriever{current: current, k: k}
}

func (r Retriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	idx := r.current()
	if idx == nil {
		return nil, &Error{Kind: KindRetrieval, Err: ErrIndexNotBuilt}
	}
	docs, err := idx.Search(ctx, query, r.k)
	if err != nil {
		return nil, &Error{Kind: KindRetrieval, Err: err}
	}
	if len(docs) > r.k {
		docs = docs[:r.k]
	}
	log.Debug().Str("query", query).Int("documents", len(docs)).Msg("Retrieved documents")
	return docs, nil
}

func sourceOf(doc schema.Document) Source {
	src := Source{Similarity: doc.Score}
	src.File, _ = doc.Metadata[models.MetaSource].(string)
	if page, ok := doc.Metadata[models.MetaPage].(string); ok {
		src.Page, _ = strconv.Atoi(page)
	}
	if chunkID, ok := doc.Metadata[models.MetaChunkID].(string); ok {
		src.ChunkID, _ = strconv.Atoi(chunkID)
	}
	return src
}
